package service

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loykin/supervisr/internal/cron"
)

// ID identifies a service. It is assigned once and never reused while the
// service is registered.
type ID uint64

// Command describes what to execute.
type Command struct {
	Path    string            `json:"path" mapstructure:"path" validate:"required"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	WorkDir string            `json:"workdir,omitempty" mapstructure:"workdir"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env" validate:"dive,keys,envkey,endkeys"`
}

// Definition is the declarative description of a service.
type Definition struct {
	ID       ID      `json:"id"`
	Name     string  `json:"name" validate:"required,max=128,servicename"`
	Command  Command `json:"command"`
	Schedule string  `json:"schedule,omitempty"`
	Active   bool    `json:"active"`
	// RestartInterval is the backoff base; zero uses the engine default.
	RestartInterval time.Duration `json:"restart_interval,omitempty" validate:"gte=0"`
	Watch           []string      `json:"watch,omitempty" validate:"dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
		return IsValidName(fl.Field().String())
	})
	_ = v.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		k := fl.Field().String()
		return k != "" && !strings.ContainsAny(k, "=\x00")
	})
	return v
}

// IsValidName reports whether s may be used as a service name. Names end up
// in log file paths, so only [A-Za-z0-9._-] is allowed and ".." is rejected.
func IsValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Validate checks the definition. Errors wrap ErrInvalidCommand or
// ErrInvalidSchedule.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, describe(err))
	}
	if d.Schedule != "" {
		if _, err := cron.Parse(d.Schedule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Definition.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	d.Command.Args = slices.Clone(d.Command.Args)
	d.Command.Env = maps.Clone(d.Command.Env)
	d.Watch = slices.Clone(d.Watch)
	return d
}
