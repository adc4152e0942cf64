package advisor

import "github.com/BearBump/TagBox/internal/models"

type tier int

const (
	tierDistrict tier = iota
	tierProvince
)

func (t tier) scope(o *models.Owner) models.LocationScope {
	if t == tierDistrict {
		return models.DistrictScope(o.District)
	}
	return models.ProvinceScope(o.Province)
}

func (t tier) reason() models.AdvisorReason {
	if t == tierDistrict {
		return models.AdvisorReasonDistrictMatch
	}
	return models.AdvisorReasonProvinceMatch
}

// scaledScore is ten times sales*affinity - load*0.2, kept integral so that
// ties compare exactly. Affinity is 1.0 for the district tier, 0.5 otherwise.
func (t tier) scaledScore(sales, load int64) int64 {
	affinity10 := int64(10)
	if t == tierProvince {
		affinity10 = 5
	}
	return sales*affinity10 - load*2
}

type candidate struct {
	vet    *models.Veterinarian
	reason models.AdvisorReason
	sales  int64
	load   int64
	scaled int64
}

func (c *candidate) score() float64 {
	return float64(c.scaled) / 10
}
