package state

// Field names shared by the contract-analysis pipeline.
const (
	FieldRunID         = "run_id"
	FieldOwnerID       = "owner_id"
	FieldDocumentID    = "document_id"
	FieldFingerprint   = "fingerprint"
	FieldJurisdiction  = "jurisdiction"
	FieldCategory      = "category"
	FieldParserVariant = "parser_variant"
	FieldContractText  = "contract_text"

	FieldCompletedSteps = "completed_steps"
	FieldWarnings       = "warnings"

	FieldClassification = "classification"
	FieldParties        = "parties"
	FieldFinancialTerms = "financial_terms"
	FieldContingencies  = "contingencies"
	FieldRiskAssessment = "risk_assessment"
)

// PipelineSchema declares every field the contract pipeline may write.
// Adding a step output means adding it here first; merges to anything else
// fail fast with UnknownFieldError.
func PipelineSchema() Schema {
	return Schema{
		FieldRunID:         PolicyLastWriteWins,
		FieldOwnerID:       PolicyLastWriteWins,
		FieldDocumentID:    PolicyLastWriteWins,
		FieldFingerprint:   PolicyLastWriteWins,
		FieldJurisdiction:  PolicyLastWriteWins,
		FieldCategory:      PolicyLastWriteWins,
		FieldParserVariant: PolicyLastWriteWins,
		FieldContractText:  PolicyLastWriteWins,

		FieldCompletedSteps: PolicyAppend,
		FieldWarnings:       PolicyAppend,

		FieldClassification: PolicyShallowMerge,
		FieldParties:        PolicyShallowMerge,
		FieldFinancialTerms: PolicyShallowMerge,
		FieldContingencies:  PolicyShallowMerge,
		FieldRiskAssessment: PolicyShallowMerge,
	}
}
