package llm

import _ "embed"

var (
	//go:embed prompts/classify.txt
	promptClassify string
	//go:embed prompts/parties.txt
	promptParties string
	//go:embed prompts/financial.txt
	promptFinancial string
	//go:embed prompts/contingencies.txt
	promptContingencies string
	//go:embed prompts/risk.txt
	promptRisk string
)

// PromptTemplate returns the step's prompt template and whether the step was
// recognized.
func PromptTemplate(step string) (string, bool) {
	switch step {
	case "classify":
		return promptClassify, true
	case "parties":
		return promptParties, true
	case "financial":
		return promptFinancial, true
	case "contingencies":
		return promptContingencies, true
	case "risk":
		return promptRisk, true
	default:
		return promptClassify, false
	}
}
