package locations

import (
	"context"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/pkg/errors"
)

var ErrInvalidLocation = errors.New("invalid location")

// Client answers containment questions about the province/district/neighborhood
// hierarchy.
type Client interface {
	DistrictInProvince(ctx context.Context, province, district string) (bool, error)
	NeighborhoodInDistrict(ctx context.Context, district, neighborhood string) (bool, error)
}

// ValidateOwner checks that the owner's district lies in its province and,
// when set, the neighborhood in its district.
func ValidateOwner(ctx context.Context, c Client, o *models.Owner) error {
	if o.Province == "" || o.District == "" {
		return errors.Wrap(ErrInvalidLocation, "province and district are required")
	}
	ok, err := c.DistrictInProvince(ctx, o.Province, o.District)
	if err != nil {
		return errors.Wrap(err, "district lookup")
	}
	if !ok {
		return errors.Wrapf(ErrInvalidLocation, "district %s is not in province %s", o.District, o.Province)
	}
	if o.Neighborhood == nil || *o.Neighborhood == "" {
		return nil
	}
	ok, err = c.NeighborhoodInDistrict(ctx, o.District, *o.Neighborhood)
	if err != nil {
		return errors.Wrap(err, "neighborhood lookup")
	}
	if !ok {
		return errors.Wrapf(ErrInvalidLocation, "neighborhood %s is not in district %s", *o.Neighborhood, o.District)
	}
	return nil
}
