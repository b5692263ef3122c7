package plan

import (
	"context"

	"github.com/spf13/viper"
)

// FileFetcher reads the catalog from a YAML file, for self-hosted deployments
// without an upstream catalog API.
type FileFetcher struct {
	path string
}

func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{path: path}
}

func (f *FileFetcher) FetchPlans(ctx context.Context) ([]Plan, error) {
	_ = ctx

	v := viper.New()
	if f.path != "" {
		v.SetConfigFile(f.path)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/recallhub")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}

	var plans []Plan
	if err := v.UnmarshalKey("plans", &plans); err != nil {
		return nil, err
	}
	return plans, nil
}
