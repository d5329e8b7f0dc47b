// Package payload defines the job submission schemas and their validation.
//
// Requests are normalized first (documented defaults, deprecated aliases)
// and validated second, so validation always sees the canonical form. The
// queue never carries the raw request: Task is the device work distilled
// from it, with the enable secret deliberately absent. Enable rides with
// the job credentials, not the payload.
package payload

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/driver"
)

const (
	// DefaultPort is applied when a submission omits port.
	DefaultPort = 22

	// DefaultPlatform is applied when a submission omits platform.
	DefaultPlatform = "cisco_ios"

	// DefaultDelayFactor is applied when a submission omits delay_factor.
	DefaultDelayFactor = 1
)

// Task modes.
const (
	ModeCommand = "command"
	ModeConfig  = "config"
)

//nolint:gochecknoglobals // one validator instance shared by all requests.
var validate *validator.Validate

//nolint:gochecknoinits // validator registration happens exactly once.
func init() {
	validate = newValidator()
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report errors under the wire name so clients can match them to
	// their request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	if err := v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}); err != nil {
		panic(err)
	}

	if err := v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return driver.Supported(fl.Field().String())
	}); err != nil {
		panic(err)
	}

	return v
}

// FieldError describes one validation failure in a submitted payload.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// CommandRequest is the body of a send_command submission.
type CommandRequest struct {
	IP          string   `json:"ip"           validate:"required,ip"`
	Port        int      `json:"port"         validate:"min=1,max=65535"`
	Platform    string   `json:"platform"     validate:"platform"`
	DeviceType  string   `json:"device_type"`
	Commands    []string `json:"commands"     validate:"required,min=1,dive,notblank"`
	DelayFactor int      `json:"delay_factor" validate:"min=1"`
	Enable      string   `json:"enable"`
}

// Normalize applies documented defaults and folds the deprecated
// device_type alias into platform. Call before Validate.
func (r *CommandRequest) Normalize(ctx context.Context) {
	normalizeCommon(ctx, &r.Port, &r.Platform, &r.DelayFactor, r.DeviceType)
}

// Validate checks the normalized request and returns one FieldError per
// violation, nil when the request is valid.
func (r *CommandRequest) Validate() []FieldError {
	return collect(validate.Struct(r))
}

// Task distills the validated request into its queue representation.
func (r *CommandRequest) Task() Task {
	return Task{
		IP:          r.IP,
		Port:        r.Port,
		Platform:    r.Platform,
		DelayFactor: r.DelayFactor,
		Mode:        ModeCommand,
		Commands:    r.Commands,
	}
}

// ConfigRequest is the body of a send_config submission. The commands field
// is accepted as an alias of config.
type ConfigRequest struct {
	IP          string   `json:"ip"           validate:"required,ip"`
	Port        int      `json:"port"         validate:"min=1,max=65535"`
	Platform    string   `json:"platform"     validate:"platform"`
	DeviceType  string   `json:"device_type"`
	Config      []string `json:"config"       validate:"required,min=1,dive,notblank"`
	Commands    []string `json:"commands"`
	DelayFactor int      `json:"delay_factor" validate:"min=1"`
	Enable      string   `json:"enable"`
	SaveConfig  bool     `json:"save_config"`
	Commit      bool     `json:"commit"`
}

// Normalize applies documented defaults and folds aliases: device_type into
// platform, commands into config. Call before Validate.
func (r *ConfigRequest) Normalize(ctx context.Context) {
	if len(r.Config) == 0 && len(r.Commands) > 0 {
		r.Config = r.Commands
	}

	normalizeCommon(ctx, &r.Port, &r.Platform, &r.DelayFactor, r.DeviceType)
}

// Validate checks the normalized request and returns one FieldError per
// violation, nil when the request is valid.
func (r *ConfigRequest) Validate() []FieldError {
	return collect(validate.Struct(r))
}

// Task distills the validated request into its queue representation.
func (r *ConfigRequest) Task() Task {
	return Task{
		IP:          r.IP,
		Port:        r.Port,
		Platform:    r.Platform,
		DelayFactor: r.DelayFactor,
		Mode:        ModeConfig,
		Config:      r.Config,
		SaveConfig:  r.SaveConfig,
		Commit:      r.Commit,
	}
}

func normalizeCommon(ctx context.Context, port *int, platform *string, delayFactor *int, deviceType string) {
	if *platform == "" && deviceType != "" {
		zerolog.Ctx(ctx).Warn().
			Str("device_type", deviceType).
			Msg("device_type is deprecated, use platform")

		*platform = deviceType
	}

	if *port == 0 {
		*port = DefaultPort
	}

	if *platform == "" {
		*platform = DefaultPlatform
	}

	if *delayFactor == 0 {
		*delayFactor = DefaultDelayFactor
	}
}

// collect converts validator output into the wire error list.
func collect(err error) []FieldError {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "payload", Rule: "invalid", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}

	return out
}

// message renders a human answer for one violation. The ip and config
// wordings are load-bearing: clients match on them.
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "ip":
		return "Invalid IPv4 address in 'ip' field of payload"
	case "required", "min":
		switch fe.Field() {
		case "config":
			return "Either 'config' or 'commands' field is required"
		case "commands":
			return "The 'commands' field must contain at least one command"
		case "delay_factor":
			return "delay_factor must be at least 1"
		case "port":
			return "Port must be between 1 and 65535"
		}
	case "max":
		if fe.Field() == "port" {
			return "Port must be between 1 and 65535"
		}
	case "notblank":
		return fmt.Sprintf("Blank command in '%s'", fe.Field())
	case "platform":
		return fmt.Sprintf("Platform must be one of: %s", strings.Join(driver.Platforms(), ", "))
	}

	return fmt.Sprintf("Invalid value in '%s' field of payload", fe.Field())
}

// Task is the device work a job carries through the queue. Enable never
// rides here; admission folds it into the job credentials so payloads stay
// free of secrets.
type Task struct {
	IP          string   `json:"ip"`
	Port        int      `json:"port"`
	Platform    string   `json:"platform"`
	DelayFactor int      `json:"delay_factor"`
	Mode        string   `json:"mode"`
	Commands    []string `json:"commands,omitempty"`
	Config      []string `json:"config,omitempty"`
	SaveConfig  bool     `json:"save_config,omitempty"`
	Commit      bool     `json:"commit,omitempty"`
}

// Target returns the device the task runs against.
func (t Task) Target() driver.Target {
	return driver.Target{
		IP:          t.IP,
		Port:        t.Port,
		Platform:    t.Platform,
		DelayFactor: t.DelayFactor,
	}
}

// CommandCount reports how many CLI lines the task will push, whichever
// mode it runs in.
func (t Task) CommandCount() int {
	if t.Mode == ModeConfig {
		return len(t.Config)
	}

	return len(t.Commands)
}
