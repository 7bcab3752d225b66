package env

import (
	"context"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mikeydub/untappd-announcer/service/logger"
)

var validators = map[string][]string{}

var v = validator.New()

var validatorsMu = &sync.Mutex{}

func init() {
	v.RegisterValidation("required_for_env", RequiredForEnv)
}

// RegisterValidation attaches validator tags to an env var. Violations are logged on every read.
func RegisterValidation(name string, tags ...string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[name] = dedupe(append(validators[name], tags...))
}

func validate(ctx context.Context, name string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	for _, tag := range validators[name] {
		if err := v.Var(viper.Get(name), tag); err != nil {
			logger.For(ctx).Errorf("invalid env var: %s, tag: %s, err: %s", name, tag, err.Error())
		}
	}
}

func GetString(ctx context.Context, name string) string {
	validate(ctx, name)
	return viper.GetString(name)
}

// GetInt and GetFloat go through viper's casting since values read from the
// environment always arrive as strings.
func GetInt(ctx context.Context, name string) int {
	validate(ctx, name)
	return viper.GetInt(name)
}

func GetFloat(ctx context.Context, name string) float64 {
	validate(ctx, name)
	return viper.GetFloat64(name)
}

// GetList splits a comma separated env var, dropping empty entries.
func GetList(ctx context.Context, name string) []string {
	raw := GetString(ctx, name)
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var RequiredForEnv validator.Func = func(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}

	spl := strings.Split(s, "=")
	if len(spl) != 2 {
		return false
	}

	return spl[1] == viper.GetString("ENV")
}

func dedupe(src []string) []string {
	result := src[:0]

	seen := make(map[string]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}
