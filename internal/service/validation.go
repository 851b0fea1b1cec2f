package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/go-playground/validator/v10"
)

const (
	deviceNameMin = 3
	deviceNameMax = 100
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateDeviceInput is the payload of CreateDevice.
type CreateDeviceInput struct {
	Client     model.Identity `json:"client"`
	DeviceName string         `json:"deviceName" validate:"min=3,max=100"`
}

// HeartbeatInput is the payload of MarkAsAlive.
type HeartbeatInput struct {
	DeviceID    string `json:"deviceId" validate:"required,max=64"`
	DeviceToken string `json:"deviceToken" validate:"required,max=128"`
}

// SubscriptionInput is the payload of Subscribe and Unsubscribe.
type SubscriptionInput struct {
	Client   model.Identity `json:"client"`
	DeviceID string         `json:"deviceId" validate:"required,max=64"`
}

type identityInput struct {
	Client model.Identity `json:"client"`
}

func validateCreateDevice(in CreateDeviceInput) (CreateDeviceInput, error) {
	in.DeviceName = strings.TrimSpace(in.DeviceName)
	in.Client = trimIdentity(in.Client)
	return in, validateStruct(in)
}

func validateHeartbeat(in HeartbeatInput) (HeartbeatInput, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.DeviceToken = strings.TrimSpace(in.DeviceToken)
	return in, validateStruct(in)
}

func validateSubscription(in SubscriptionInput) (SubscriptionInput, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.Client = trimIdentity(in.Client)
	return in, validateStruct(in)
}

func validateIdentity(identity model.Identity) (model.Identity, error) {
	identity = trimIdentity(identity)
	return identity, validateStruct(identityInput{Client: identity})
}

func trimIdentity(identity model.Identity) model.Identity {
	identity.Source = strings.TrimSpace(identity.Source)
	identity.SourceID = strings.TrimSpace(identity.SourceID)
	return identity
}

// validateStruct runs tag validation and converts failures into a
// ValidationError keyed by JSON field path, e.g. "client.sourceId".
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return serverError("validate input", err)
	}
	fields := make(map[string][]string)
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		fields[field] = append(fields[field], describe(fe))
	}
	return validationError(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too short, min: " + fe.Param()
	case "max":
		return "Value is too long, max: " + fe.Param()
	case "oneof":
		return "Value must be one of: " + fe.Param()
	case "printascii":
		return "Value must contain printable ASCII characters only"
	default:
		return "Invalid value provided"
	}
}
