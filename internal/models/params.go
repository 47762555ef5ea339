package models

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stanstork/stratum-transfer/internal/apperr"
)

// identifier accepts table and column names, optionally schema-qualified.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ColumnMapping maps one source column onto a target column.
type ColumnMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// TransferParams describes a paged relational-to-relational copy.
type TransferParams struct {
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	SourceQuery   string          `json:"source_query"`
	TargetTable   string          `json:"target_table"`
	ColumnMapping []ColumnMapping `json:"column_mapping,omitempty"`
	BatchSize     int             `json:"batch_size,omitempty"`
}

// SyncScopeMode selects which target rows a sync replaces.
type SyncScopeMode string

const (
	SyncScopeFull      SyncScopeMode = "full"
	SyncScopePredicate SyncScopeMode = "predicate"
	SyncScopeKeyRange  SyncScopeMode = "key_range"
)

// SyncScope bounds the target rows deleted before the source snapshot is
// inserted. Predicate is a trusted SQL boolean expression.
type SyncScope struct {
	Mode      SyncScopeMode `json:"mode"`
	Predicate string        `json:"predicate,omitempty"`
	KeyColumn string        `json:"key_column,omitempty"`
	From      any           `json:"from,omitempty"`
	To        any           `json:"to,omitempty"`
}

// SyncParams describes a delete-insert synchronization.
type SyncParams struct {
	TransferParams
	Scope SyncScope `json:"scope"`
}

// FieldType is the relational type a document field is coerced into.
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInt      FieldType = "int"
	FieldTypeFloat    FieldType = "float"
	FieldTypeBool     FieldType = "bool"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeJSON     FieldType = "json"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool, FieldTypeDatetime, FieldTypeJSON:
		return true
	}
	return false
}

// FieldMapping projects a (dotted) document field into a typed column.
type FieldMapping struct {
	Field    string    `json:"field"`
	Column   string    `json:"column"`
	Type     FieldType `json:"type,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// MappingErrorPolicy decides what happens to a document that does not fit
// the declared field mapping.
type MappingErrorPolicy string

const (
	// MappingErrorSkip drops the document and counts it. Default.
	MappingErrorSkip MappingErrorPolicy = "skip"
	// MappingErrorAbort fails the batch and the job.
	MappingErrorAbort MappingErrorPolicy = "abort"
)

// DocumentParams describes a document-collection to relational transfer.
type DocumentParams struct {
	Source         string             `json:"source"`
	Target         string             `json:"target"`
	Collection     string             `json:"collection"`
	Filter         json.RawMessage    `json:"filter,omitempty"`
	TargetTable    string             `json:"target_table"`
	FieldMapping   []FieldMapping     `json:"field_mapping,omitempty"`
	BatchSize      int                `json:"batch_size,omitempty"`
	JSONMode       bool               `json:"json_mode,omitempty"`
	CreateTable    bool               `json:"create_table,omitempty"`
	OnMappingError MappingErrorPolicy `json:"on_mapping_error,omitempty"`
}

// JSONTableSuffix is appended to the target table in json mode.
const JSONTableSuffix = "_JSON"

// JSONTable returns the table written in json mode.
func (p DocumentParams) JSONTable() string {
	return p.TargetTable + JSONTableSuffix
}

// Parameters is implemented by every kind's payload.
type Parameters interface {
	ApplyDefaults(batchSize int)
	Validate() error
}

// DecodeParameters unmarshals raw into the payload type for kind.
func DecodeParameters(kind JobKind, raw json.RawMessage) (Parameters, error) {
	var p Parameters
	switch kind {
	case JobKindDataTransfer:
		p = &TransferParams{}
	case JobKindDataSync:
		p = &SyncParams{}
	case JobKindMongoToMssql:
		p = &DocumentParams{}
	default:
		return nil, apperr.Validation("unknown job kind %q", kind)
	}
	if len(raw) == 0 {
		return nil, apperr.Validation("parameters are required")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, apperr.Validation("invalid parameters: %v", err)
	}
	return p, nil
}

func (p *TransferParams) ApplyDefaults(batchSize int) {
	if p.BatchSize == 0 {
		p.BatchSize = batchSize
	}
}

func (p *TransferParams) Validate() error {
	if strings.TrimSpace(p.Source) == "" {
		return apperr.Validation("source connection is required")
	}
	if strings.TrimSpace(p.Target) == "" {
		return apperr.Validation("target connection is required")
	}
	if strings.TrimSpace(p.SourceQuery) == "" {
		return apperr.Validation("source_query is required")
	}
	if !identifier.MatchString(p.TargetTable) {
		return apperr.Validation("invalid target_table %q", p.TargetTable)
	}
	if p.BatchSize <= 0 {
		return apperr.Validation("batch_size must be positive, got %d", p.BatchSize)
	}
	seen := make(map[string]struct{}, len(p.ColumnMapping))
	for _, m := range p.ColumnMapping {
		if m.Source == "" {
			return apperr.Validation("column_mapping entry has empty source")
		}
		if !identifier.MatchString(m.Target) {
			return apperr.Validation("invalid target column %q", m.Target)
		}
		if _, dup := seen[m.Target]; dup {
			return apperr.Validation("target column %q mapped twice", m.Target)
		}
		seen[m.Target] = struct{}{}
	}
	return nil
}

func (p *SyncParams) ApplyDefaults(batchSize int) {
	p.TransferParams.ApplyDefaults(batchSize)
	if p.Scope.Mode == "" {
		p.Scope.Mode = SyncScopeFull
	}
}

func (p *SyncParams) Validate() error {
	if err := p.TransferParams.Validate(); err != nil {
		return err
	}
	switch p.Scope.Mode {
	case SyncScopeFull:
	case SyncScopePredicate:
		if strings.TrimSpace(p.Scope.Predicate) == "" {
			return apperr.Validation("scope.predicate is required for predicate scope")
		}
	case SyncScopeKeyRange:
		if !identifier.MatchString(p.Scope.KeyColumn) {
			return apperr.Validation("invalid scope.key_column %q", p.Scope.KeyColumn)
		}
		if p.Scope.From == nil && p.Scope.To == nil {
			return apperr.Validation("key_range scope needs from and/or to")
		}
	default:
		return apperr.Validation("unknown scope mode %q", p.Scope.Mode)
	}
	return nil
}

func (p *DocumentParams) ApplyDefaults(batchSize int) {
	if p.BatchSize == 0 {
		p.BatchSize = batchSize
	}
	if p.OnMappingError == "" {
		p.OnMappingError = MappingErrorSkip
	}
	for i := range p.FieldMapping {
		if p.FieldMapping[i].Type == "" {
			p.FieldMapping[i].Type = FieldTypeString
		}
		if p.FieldMapping[i].Column == "" {
			p.FieldMapping[i].Column = strings.ReplaceAll(p.FieldMapping[i].Field, ".", "_")
		}
	}
}

func (p *DocumentParams) Validate() error {
	if strings.TrimSpace(p.Source) == "" {
		return apperr.Validation("source connection is required")
	}
	if strings.TrimSpace(p.Target) == "" {
		return apperr.Validation("target connection is required")
	}
	if strings.TrimSpace(p.Collection) == "" {
		return apperr.Validation("collection is required")
	}
	if !identifier.MatchString(p.TargetTable) {
		return apperr.Validation("invalid target_table %q", p.TargetTable)
	}
	if p.BatchSize <= 0 {
		return apperr.Validation("batch_size must be positive, got %d", p.BatchSize)
	}
	if p.OnMappingError != MappingErrorSkip && p.OnMappingError != MappingErrorAbort {
		return apperr.Validation("unknown on_mapping_error %q", p.OnMappingError)
	}
	if len(p.Filter) > 0 && !json.Valid(p.Filter) {
		return apperr.Validation("filter is not valid JSON")
	}
	if p.JSONMode {
		return nil
	}
	if len(p.FieldMapping) == 0 {
		return apperr.Validation("field_mapping is required unless json_mode is set")
	}
	for _, f := range p.FieldMapping {
		if f.Field == "" {
			return apperr.Validation("field_mapping entry has empty field")
		}
		if !identifier.MatchString(f.Column) {
			return apperr.Validation("invalid column %q", f.Column)
		}
		if !f.Type.valid() {
			return apperr.Validation("unknown field type %q for %s", f.Type, f.Field)
		}
	}
	return nil
}
