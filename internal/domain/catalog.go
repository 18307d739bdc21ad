package domain

// ServiceDefinition is the lab service an analysis group maps to for a client.
type ServiceDefinition struct {
	Ref        PartyRef
	Name       string
	Price      float64
	Discount   string
	SampleType PartyRef
	Matrix     PartyRef
}

// TechniqueDefinition is the lab technique an external analysis code maps to
// for a client.
type TechniqueDefinition struct {
	Ref            PartyRef
	Name           string
	AltName        string
	Method         string
	DetectionLimit string
	Minimum        string
	Unit           string
	Price          float64
	Discount       string
	Section        PartyRef
}
