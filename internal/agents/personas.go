// Package agents holds the static persona catalog and the keyword-based
// selector that routes task descriptions to an agent.
package agents

import "cerebro/internal/domain"

// Personas is the built-in agent catalog, in selection tiebreak order.
// Keyword tables are Portuguese because that is the language the upstream
// task descriptions arrive in.
var Personas = []domain.Persona{
	{
		ID:       domain.AgentDev,
		// "função" is deliberately absent: it shows up in almost every task
		// description and would drag domain-specific work back to dev.
		Keywords: []string{"implementar", "código", "bug", "fix", "feature", "api", "backend", "frontend"},
		Preamble: "Você é Dex, um desenvolvedor Full Stack expert.",
		Chain:    domain.ChainExecution,
	},
	{
		ID:       domain.AgentArchitect,
		Keywords: []string{"arquitetura", "design", "estrutura", "sistema", "integração", "padrão"},
		Preamble: "Você é um arquiteto de sistemas sênior.",
		Chain:    domain.ChainPlanning,
	},
	{
		ID:       domain.AgentQA,
		Keywords: []string{"teste", "validar", "qualidade", "bug", "erro", "verificar"},
		Preamble: "Você é Quinn, especialista em Quality Assurance.",
		Chain:    domain.ChainExecution,
	},
	{
		ID:       domain.AgentPM,
		Keywords: []string{"planejar", "roadmap", "prioridade", "requisito", "story", "sprint"},
		Preamble: "Você é um Product Manager experiente.",
		Chain:    domain.ChainPlanning,
	},
	{
		ID:       domain.AgentDevOps,
		Keywords: []string{"deploy", "ci/cd", "docker", "kubernetes", "infra", "pipeline"},
		Preamble: "Você é Gage, especialista DevOps.",
		Chain:    domain.ChainExecution,
	},
	{
		ID:       domain.AgentAnalyst,
		Keywords: []string{"análise", "pesquisa", "dados", "relatório", "métricas"},
		Preamble: "Você é um analista de negócios sênior.",
		Chain:    domain.ChainPlanning,
	},
	{
		ID:       domain.AgentDataEngineer,
		Keywords: []string{"etl", "dados", "pipeline", "banco", "sql", "migração"},
		Preamble: "Você é um engenheiro de dados expert.",
		Chain:    domain.ChainExecution,
	},
	{
		ID:       domain.AgentUX,
		Keywords: []string{"interface", "ui", "ux", "design", "usabilidade", "layout"},
		Preamble: "Você é um especialista em UX/UI Design.",
		Chain:    domain.ChainPlanning,
	},
}

// Persona returns the catalog entry for id, falling back to the dev persona
// for unknown ids.
func Persona(id domain.AgentID) domain.Persona {
	for _, p := range Personas {
		if p.ID == id {
			return p
		}
	}
	return Personas[0]
}
