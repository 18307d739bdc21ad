package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the dd/mm/yyyy HH:MM:SS layout the external system uses in
// every date field.
const DateLayout = "02/01/2006 15:04:05"

// Command is the action carried by an inbound sample message.
type Command string

const (
	CommandCreate Command = "CREATE"
	CommandUpdate Command = "UPDATE"
	CommandDelete Command = "DELETE"
)

// FlexString decodes a JSON string, number or boolean into its textual form.
// The external system is inconsistent about quoting ids and measurements.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if bytes.Equal(data, []byte("true")) || bytes.Equal(data, []byte("false")) {
		*f = FlexString(data)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the trimmed value.
func (f FlexString) String() string {
	return strings.TrimSpace(string(f))
}

// Timestamp is a date in DateLayout. Empty strings and null decode to the zero value.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string in dd/mm/yyyy HH:MM:SS: %w", err)
	}
	if s == nil || strings.TrimSpace(*s) == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(DateLayout, strings.TrimSpace(*s), time.Local)
	if err != nil {
		return fmt.Errorf("date %q is not dd/mm/yyyy HH:MM:SS: %w", *s, err)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatDate(t.Ptr()))
}

// Ptr returns nil for the zero value.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// FormatDate renders t in DateLayout, or "" when t is nil.
func FormatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// InboundCommand is the envelope received on the sample command queue.
type InboundCommand struct {
	Command    Command        `json:"comando"`
	ClientID   FlexString     `json:"empresaId"`
	ExternalID FlexString     `json:"idEntidadIgeo"`
	Payload    *SamplePayload `json:"datos" validate:"required"`
}

// Action resolves the command to dispatch. A null or absent command means create.
func (c InboundCommand) Action() (Command, error) {
	switch Command(strings.ToUpper(strings.TrimSpace(string(c.Command)))) {
	case "", CommandCreate:
		return CommandCreate, nil
	case CommandUpdate:
		return CommandUpdate, nil
	case CommandDelete:
		return CommandDelete, nil
	default:
		return "", NewValidationError("comando", fmt.Sprintf("unknown command %q", c.Command))
	}
}

// SamplePayload is the sample description inside an inbound command.
type SamplePayload struct {
	Reference         FlexString      `json:"codigoMuestra" validate:"required,max=64"`
	Description       FlexString      `json:"muestra" validate:"max=255"`
	CreatedAt         Timestamp       `json:"fechaCreacion"`
	Observations      FlexString      `json:"observaciones"`
	CollectionStart   Timestamp       `json:"fechaInicioMuestra"`
	CollectionEnd     Timestamp       `json:"fechaFinMuestra"`
	CollectionSite    FlexString      `json:"lugarRecogidaMuestra"`
	Temperature       FlexString      `json:"temperatura"`
	ContainerType     FlexString      `json:"tipoEnvase"`
	AnalysisGroupCode FlexString      `json:"codigoGrupoObjetoAnalisis"`
	Volume            FlexString      `json:"volumenMuestra"`
	Carrier           FlexString      `json:"transportista"`
	Items             []RequestedItem `json:"objetosAnalisis" validate:"dive"`
}

// RequestedItem is one requested analysis inside a sample payload.
type RequestedItem struct {
	Code FlexString `json:"codigoObjetoAnalisis"`
}

// DeliveryResult is the feedback message for a previously published report.
type DeliveryResult struct {
	Code    FlexString      `json:"codigo" validate:"required"`
	Message FlexString      `json:"mensaje"`
	Sent    SentMessage     `json:"mensajeEnviado"`
	Errors  json.RawMessage `json:"errores"`
}

// SentMessage echoes the report the delivery result refers to.
type SentMessage struct {
	Data SentData `json:"datos"`
}

// SentData carries the reference code of the echoed report.
type SentData struct {
	Reference FlexString `json:"codigoMuestra"`
}

// DeliveryAccepted is the result code for a report the external system stored.
const DeliveryAccepted = "1"

// Accepted reports whether the external system stored the report.
func (r DeliveryResult) Accepted() bool {
	return r.Code.String() == DeliveryAccepted
}

// Reference returns the sample reference code the result refers to.
func (r DeliveryResult) Reference() string {
	return r.Sent.Data.Reference.String()
}

// ErrorDetail renders the errores field for the event log.
func (r DeliveryResult) ErrorDetail() string {
	if len(r.Errors) == 0 || bytes.Equal(bytes.TrimSpace(r.Errors), []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Errors, &s); err == nil {
		return s
	}
	return string(r.Errors)
}
