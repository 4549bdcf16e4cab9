package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"pcbtool/internal/document"
)

// Stage identifies one step of the generation pipeline.
type Stage string

const (
	StageInitialAnalysis   Stage = "initial_analysis"
	StageComponentAnalysis Stage = "component_analysis"
	StageCodeGeneration    Stage = "code_generation"
	StageSchematic         Stage = "schematic_generation"
	StageDeploymentGuide   Stage = "deployment_guide"
)

// SubdocKind names a sub-document that a downstream stage may need.
type SubdocKind int

const (
	SubdocRequirement SubdocKind = iota + 1
	SubdocBOM
)

func (k SubdocKind) String() string {
	switch k {
	case SubdocRequirement:
		return "requirement document"
	case SubdocBOM:
		return "BOM"
	default:
		return fmt.Sprintf("subdoc(%d)", int(k))
	}
}

// Labels under which generators publish each sub-document in their raw
// outputs. The first entry is the one the analysis workflow uses today.
var subdocLabels = map[SubdocKind][]string{
	SubdocRequirement: {"需求文档", "requirement_document", "requirement"},
	SubdocBOM:         {"BOM文件", "bom", "bom_list"},
}

type ResultKind string

const (
	ResultInitialAnalysis   ResultKind = "initial_analysis"
	ResultComponentAnalysis ResultKind = "component_analysis"
	ResultGeneratedCode     ResultKind = "generated_code"
	ResultSchematicCode     ResultKind = "schematic_code"
	ResultDeploymentGuide   ResultKind = "deployment_guide"
)

// StageResult is the typed payload of a Message.
type StageResult interface {
	Kind() ResultKind
	// Subdocument returns the named sub-document if this result carries it.
	Subdocument(kind SubdocKind) (string, bool)
}

// Lineage is the pair of raw sub-documents every downstream result carries
// forward, so that resolution never walks more than one message back.
type Lineage struct {
	Requirement string `json:"requirement_document,omitempty"`
	BOM         string `json:"bom_text,omitempty"`
}

func (l Lineage) Subdocument(kind SubdocKind) (string, bool) {
	var v string
	switch kind {
	case SubdocRequirement:
		v = l.Requirement
	case SubdocBOM:
		v = l.BOM
	}
	return v, v != ""
}

// InitialAnalysis holds the free-form sections produced by the first stage.
type InitialAnalysis struct {
	Sections map[string]string
}

func (InitialAnalysis) Kind() ResultKind { return ResultInitialAnalysis }

func (a InitialAnalysis) Subdocument(kind SubdocKind) (string, bool) {
	v, err := document.Lookup(a.Sections, subdocLabels[kind]...)
	if err != nil {
		return "", false
	}
	return v, true
}

func (a InitialAnalysis) MarshalJSON() ([]byte, error) {
	if a.Sections == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.Sections)
}

func (a *InitialAnalysis) UnmarshalJSON(b []byte) error {
	sections, err := document.Sections(b)
	if err != nil {
		return err
	}
	a.Sections = sections
	return nil
}

type ComponentAnalysis struct {
	Status string     `json:"status"`
	Items  []LineItem `json:"components"`
	Vendor string     `json:"vendor,omitempty"`
	// PricingMissing is set when the BOM table had no unit-price column and
	// every price defaulted to zero.
	PricingMissing bool `json:"pricing_missing,omitempty"`
	Lineage
}

func (ComponentAnalysis) Kind() ResultKind { return ResultComponentAnalysis }

type GeneratedCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Lineage
}

func (GeneratedCode) Kind() ResultKind { return ResultGeneratedCode }

type SchematicCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Lineage
}

func (SchematicCode) Kind() ResultKind { return ResultSchematicCode }

type DeploymentGuide struct {
	Text     string `json:"text"`
	AudioRef string `json:"audio_url,omitempty"`
	Lineage
}

func (DeploymentGuide) Kind() ResultKind { return ResultDeploymentGuide }

var ErrUnknownResult = errors.New("domain: unknown stage result type")

type envelope struct {
	Type ResultKind      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeStageResult writes r as {"type": ..., "data": ...}.
func EncodeStageResult(r StageResult) ([]byte, error) {
	if r == nil {
		return nil, errors.New("domain: stage result is nil")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: r.Kind(), Data: data})
}

// DecodeStageResult is the inverse of EncodeStageResult. Malformed JSON is
// reported as document.ErrMalformedPayload.
func DecodeStageResult(b []byte) (StageResult, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", document.ErrMalformedPayload, err)
	}
	var target StageResult
	switch env.Type {
	case ResultInitialAnalysis:
		target = &InitialAnalysis{}
	case ResultComponentAnalysis:
		target = &ComponentAnalysis{}
	case ResultGeneratedCode:
		target = &GeneratedCode{}
	case ResultSchematicCode:
		target = &SchematicCode{}
	case ResultDeploymentGuide:
		target = &DeploymentGuide{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResult, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, fmt.Errorf("%w: %v", document.ErrMalformedPayload, err)
		}
	}
	return deref(target), nil
}

func deref(r StageResult) StageResult {
	switch v := r.(type) {
	case *InitialAnalysis:
		return *v
	case *ComponentAnalysis:
		return *v
	case *GeneratedCode:
		return *v
	case *SchematicCode:
		return *v
	case *DeploymentGuide:
		return *v
	}
	return r
}
