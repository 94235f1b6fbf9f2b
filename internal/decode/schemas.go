package decode

import (
	"fmt"

	"github.com/torii/kakunin/internal/models"
)

// Schemas are deliberately permissive: they pin the shape of what the
// pipeline consumes without rejecting extra fields a model volunteers.
var (
	contextFrameSchema = []byte(`{
		"type": "object",
		"properties": {
			"document_type": {"type": "string"},
			"domain": {"type": "string"},
			"language": {"type": "string"},
			"summary": {"type": "string"},
			"keywords": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["document_type", "summary"]
	}`)

	analysisSchema = []byte(`{
		"type": "object",
		"properties": {
			"metadata": {
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"document_number": {"type": "string"},
					"revision": {"type": "string"},
					"author": {"type": "string"},
					"date": {"type": "string"},
					"document_type": {"type": "string"}
				},
				"required": ["title"]
			},
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"number": {"type": "integer"},
						"title": {"type": "string"},
						"description": {"type": "string"},
						"equipment": {"type": "array", "items": {"type": "string"}},
						"parameters": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["description"]
				}
			},
			"references": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"identifier": {"type": "string"},
						"title": {"type": "string"}
					},
					"required": ["identifier"]
				}
			}
		},
		"required": ["metadata", "steps"]
	}`)

	wordListSchema = []byte(`{
		"type": "object",
		"properties": {
			"words": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["words"]
	}`)

	complianceSchema = []byte(`{
		"type": "object",
		"properties": {
			"findings": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"standard": {"type": "string"},
						"clause": {"type": "string"},
						"status": {"type": "string", "enum": ["compliant", "gap", "not_applicable"]},
						"note": {"type": "string"}
					},
					"required": ["standard", "status"]
				}
			}
		},
		"required": ["findings"]
	}`)
)

// Alias tables map the lowercase field names models substitute for the
// canonical ones. Keys must be lowercase.
var (
	contextFrameAliases = map[string]string{
		"doc_type":     "document_type",
		"documenttype": "document_type",
		"type":         "document_type",
		"lang":         "language",
		"abstract":     "summary",
		"description":  "summary",
		"tags":         "keywords",
	}

	analysisAliases = map[string]string{
		"meta":           "metadata",
		"header":         "metadata",
		"document_title": "title",
		"name":           "title",
		"doc_number":     "document_number",
		"documentnumber": "document_number",
		"version":        "revision",
		"rev":            "revision",
		"process_steps":  "steps",
		"instructions":   "steps",
		"step_number":    "number",
		"text":           "description",
		"tools":          "equipment",
		"related":        "references",
		"ref":            "identifier",
		"reference_id":   "identifier",
		"document_id":    "identifier",
		"specifications": "parameters",
		"settings":       "parameters",
	}

	wordListAliases = map[string]string{
		"terms":      "words",
		"tokens":     "words",
		"vocabulary": "words",
		"word_list":  "words",
	}

	complianceAliases = map[string]string{
		"results":     "findings",
		"assessments": "findings",
		"norm":        "standard",
		"section":     "clause",
		"result":      "status",
		"comment":     "note",
		"remarks":     "note",
	}
)

// A finding status outside the known set degrades to not_applicable; a model
// inventing a verdict must not reject the whole assessment.
var complianceEnums = []EnumField{{
	Field:   "status",
	Allowed: []string{"compliant", "gap", "not_applicable"},
	Default: "not_applicable",
}}

// CodecFor returns the codec for an artifact kind. Schemas are compiled
// from package constants, so compilation cannot fail at runtime.
func CodecFor(kind models.ArtifactKind) *Codec {
	switch kind {
	case models.KindContextFrame:
		return mustCodec(contextFrameSchema, contextFrameAliases)
	case models.KindAnalysis:
		return mustCodec(analysisSchema, analysisAliases)
	case models.KindWordList:
		return mustCodec(wordListSchema, wordListAliases)
	case models.KindCompliance:
		return mustCodec(complianceSchema, complianceAliases, complianceEnums...)
	default:
		panic(fmt.Sprintf("no codec for artifact kind %q", kind))
	}
}

func mustCodec(schemaJSON []byte, aliases map[string]string, enums ...EnumField) *Codec {
	c, err := NewCodec(schemaJSON, aliases, enums...)
	if err != nil {
		panic(err)
	}
	return c
}
