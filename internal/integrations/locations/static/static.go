package static

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Province struct {
	Code      string     `yaml:"code"`
	Name      string     `yaml:"name"`
	Districts []District `yaml:"districts"`
}

type District struct {
	Code          string   `yaml:"code"`
	Name          string   `yaml:"name"`
	Neighborhoods []string `yaml:"neighborhoods"`
}

type file struct {
	Provinces []Province `yaml:"provinces"`
}

// Table is an immutable in-memory copy of the location reference data.
type Table struct {
	provinceOf    map[string]string
	neighborhoods map[string]map[string]struct{}
}

func New(provinces []Province) *Table {
	t := &Table{
		provinceOf:    make(map[string]string),
		neighborhoods: make(map[string]map[string]struct{}),
	}
	for _, p := range provinces {
		for _, d := range p.Districts {
			t.provinceOf[d.Code] = p.Code
			set := make(map[string]struct{}, len(d.Neighborhoods))
			for _, n := range d.Neighborhoods {
				set[n] = struct{}{}
			}
			t.neighborhoods[d.Code] = set
		}
	}
	return t
}

func Load(filename string) (*Table, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read locations file")
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse locations file")
	}
	return New(f.Provinces), nil
}

func (t *Table) DistrictInProvince(ctx context.Context, province, district string) (bool, error) {
	p, ok := t.provinceOf[district]
	return ok && p == province, nil
}

func (t *Table) NeighborhoodInDistrict(ctx context.Context, district, neighborhood string) (bool, error) {
	set, ok := t.neighborhoods[district]
	if !ok {
		return false, nil
	}
	_, ok = set[neighborhood]
	return ok, nil
}
