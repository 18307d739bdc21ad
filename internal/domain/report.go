package domain

import (
	"encoding/base64"
	"time"
)

// Report envelope constants fixed by the external system.
const (
	ReportEntityType = "ANALITICA"
	// DefaultReportRoutingKey is used when the owning client has no queue configured.
	DefaultReportRoutingKey = "analiticasRealizadas"
)

// ReportRecord is the repository projection of one pending sample whose
// report has a delivery date.
type ReportRecord struct {
	Sample           Sample
	ServiceCode      string
	ServiceName      string
	ClientExternalID string
	// RoutingKey is the client's queue name, empty when not configured.
	RoutingKey   string
	Items        []ReportItem
	DocumentName *string
	Blocks       []DocumentBlock
}

// DocumentBlock is one stored chunk of a report PDF. Content may carry
// padding beyond Size.
type DocumentBlock struct {
	Content []byte
	Size    int
}

// AssembleDocument concatenates blocks in order, each truncated to its size.
func AssembleDocument(blocks []DocumentBlock) []byte {
	total := 0
	for _, b := range blocks {
		total += blockLen(b)
	}
	out := make([]byte, 0, total)
	for _, b := range blocks {
		out = append(out, b.Content[:blockLen(b)]...)
	}
	return out
}

func blockLen(b DocumentBlock) int {
	if b.Size < 0 {
		return 0
	}
	if b.Size > len(b.Content) {
		return len(b.Content)
	}
	return b.Size
}

// ResolvedRoutingKey returns the client's queue, else fallback, else the
// default report queue.
func (r ReportRecord) ResolvedRoutingKey(fallback string) string {
	switch {
	case r.RoutingKey != "":
		return r.RoutingKey
	case fallback != "":
		return fallback
	default:
		return DefaultReportRoutingKey
	}
}

// ReportEnvelope is the outbound report message.
type ReportEnvelope struct {
	EntityType string     `json:"tipoEntidadIgeo"`
	ExternalID string     `json:"idEntidadIgeo"`
	Reference  string     `json:"codigoEntidadIgeo"`
	Command    Command    `json:"comando"`
	Date       string     `json:"fecha"`
	Data       ReportData `json:"datos"`
}

// ReportData is the sample projection inside a report envelope.
type ReportData struct {
	ID                string       `json:"id"`
	Reference         string       `json:"codigoMuestra"`
	Description       string       `json:"muestra"`
	CreatedAt         string       `json:"fechaCreacion"`
	Observations      string       `json:"observaciones"`
	CollectionStart   string       `json:"fechaInicioMuestra"`
	CollectionEnd     string       `json:"fechaFinMuestra"`
	CollectionSite    string       `json:"lugarRecogidaMuestra"`
	Temperature       string       `json:"temperatura"`
	ContainerType     string       `json:"tipoEnvase"`
	AnalysisGroupCode string       `json:"codigoGrupoObjetoAnalisis"`
	AnalysisGroup     string       `json:"grupoObjetoAnalisis"`
	Volume            string       `json:"volumenMuestra"`
	Carrier           string       `json:"transportista"`
	Items             []ReportItem `json:"objetosAnalisis"`
	DocumentName      *string      `json:"nombreDocumento"`
	PDF               string       `json:"pdfAnalitica"`
	ClientID          string       `json:"empresaId"`
}

// ReportItem is one analysis result inside a report.
type ReportItem struct {
	Name    string `json:"objetoAnalisis"`
	Code    string `json:"codigoObjetoAnalisis"`
	Method  string `json:"metodo"`
	Minimum string `json:"minimo"`
	Result  string `json:"resultado"`
	Unit    string `json:"unidadDeMedida"`
}

// NewReportEnvelope builds the outbound message for rec, stamped with now.
func NewReportEnvelope(rec ReportRecord, now time.Time) ReportEnvelope {
	s := rec.Sample
	items := rec.Items
	if items == nil {
		items = []ReportItem{}
	}
	return ReportEnvelope{
		EntityType: ReportEntityType,
		ExternalID: s.ExternalID,
		Reference:  s.Reference,
		Command:    CommandUpdate,
		Date:       now.Format(DateLayout),
		Data: ReportData{
			ID:                s.ExternalID,
			Reference:         s.Reference,
			Description:       s.Description,
			CreatedAt:         FormatDate(s.ReceivedAt),
			Observations:      s.Observations,
			CollectionStart:   FormatDate(s.CollectionStart),
			CollectionEnd:     FormatDate(s.CollectionEnd),
			CollectionSite:    s.CollectionSite,
			Temperature:       s.Temperature,
			ContainerType:     s.ContainerType,
			AnalysisGroupCode: rec.ServiceCode,
			AnalysisGroup:     rec.ServiceName,
			Volume:            s.Volume,
			Carrier:           s.Carrier,
			Items:             items,
			DocumentName:      rec.DocumentName,
			PDF:               base64.StdEncoding.EncodeToString(AssembleDocument(rec.Blocks)),
			ClientID:          rec.ClientExternalID,
		},
	}
}
