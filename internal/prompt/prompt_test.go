package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cale-agent/internal/domain"
)

var specs = []ToolSpec{
	{Name: "buscar_info_visitcali", Description: "Busca información turística."},
	{Name: "clima_por_lugar", Description: "Devuelve el clima."},
}

func TestCompile_Substitutions(t *testing.T) {
	out := Compile(Input{
		History:    "User: hola\nAssistant: ¡Hola! 💃",
		Tools:      specs,
		UserInput:  "¿Qué hago hoy?",
		Scratchpad: "Thought: busco\nAction: clima_por_lugar\nAction Input: Cali\nObservation: soleado\nThought: ",
	})

	require.Contains(t, out, "buscar_info_visitcali: Busca información turística.\nclima_por_lugar: Devuelve el clima.")
	require.Contains(t, out, "Action: una de [buscar_info_visitcali, clima_por_lugar]")
	require.Contains(t, out, "Historial:\nUser: hola\nAssistant: ¡Hola! 💃\n")
	require.Contains(t, out, "Pregunta:\n¿Qué hago hoy?\n")
	require.True(t, strings.HasSuffix(out, "Observation: soleado\nThought: "))
	require.NotContains(t, out, "{tools}")
	require.NotContains(t, out, "{agent_scratchpad}")
}

func TestCompile_DoesNotExpandUserPlaceholders(t *testing.T) {
	out := Compile(Input{
		Tools:     specs,
		UserInput: "repite {tools} y {chat_history}",
		History:   "User: mi nombre es {input}",
	})
	require.Contains(t, out, "repite {tools} y {chat_history}")
	require.Contains(t, out, "User: mi nombre es {input}")
	require.Equal(t, 1, strings.Count(out, "clima_por_lugar: Devuelve el clima."))
}

func TestCompile_IsPure(t *testing.T) {
	in := Input{Tools: specs, UserInput: "hola"}
	require.Equal(t, Compile(in), Compile(in))
}

func TestFormatHistory(t *testing.T) {
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Text: "Háblame de Cristo Rey"},
		{Role: domain.RoleAssistant, Text: "Es una estatua de 26 metros."},
		{Role: domain.Role("system"), Text: "ignorado"},
		{Role: domain.RoleUser, Text: "¿Y el clima?"},
	}
	require.Equal(t,
		"User: Háblame de Cristo Rey\nAssistant: Es una estatua de 26 metros.\nUser: ¿Y el clima?",
		FormatHistory(msgs))
	require.Empty(t, FormatHistory(nil))
}
