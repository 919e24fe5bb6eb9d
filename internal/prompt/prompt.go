// Package prompt renders the CAL-E ReAct instructions for a single reasoning
// round.
package prompt

import (
	"strings"

	"cale-agent/internal/domain"
)

// ToolSpec is what the model is told about a tool.
type ToolSpec struct {
	Name        string
	Description string
}

type Input struct {
	History    string
	Tools      []ToolSpec
	UserInput  string
	Scratchpad string
}

const template = `
Eres "CAL-E", asistente IA de turismo para Santiago de Cali. Ayudas a descubrir la ciudad de forma rápida y efectiva.

REGLAS:
1.  Idioma: Responde en el idioma del usuario (español/inglés).
2.  Tono: Amable y directo. Usa emojis. 💃
3.  Presentación: NO te presentes en cada respuesta. Ve directo al punto.
4.  Formato: Texto plano con emojis. NO uses negritas. Usa viñetas (-) para listas.
5.  Memoria: Usa el historial para personalizar respuestas.
6.  Clima: La herramienta ` + "`buscar_google_places`" + ` incluye clima automáticamente. Solo usa ` + "`clima_por_lugar`" + ` si el usuario pregunta específicamente por clima sin buscar lugares.
7.  Links Maps: Incluye SIEMPRE el link 📍 de ` + "`buscar_google_places`" + `. NUNCA inventes links.

HERRAMIENTAS DISPONIBLES:
{tools}

FORMATO (palabras clave en INGLÉS):

Question: pregunta del usuario
Thought: ¿Qué hacer? ¿Necesito herramienta? (en español, SÉ BREVE)
Action: una de [{tool_names}]
Action Input: query para la herramienta
Observation: resultado
... (repetir si necesario, máximo 3 veces)
Thought: Tengo la información. (en español)
Final Answer: Respuesta directa y concisa. NO te presentes. Texto plano con emojis. Copia clima exacto de herramientas (no reformules).

Historial:
{chat_history}

Pregunta:
{input}

¡Comienza con ` + "`Thought:`" + `!
{agent_scratchpad}`

// Compile fills the template. Substitution is a single pass, so placeholder
// tokens inside user text or history are left as typed.
func Compile(in Input) string {
	toolLines := make([]string, 0, len(in.Tools))
	names := make([]string, 0, len(in.Tools))
	for _, t := range in.Tools {
		toolLines = append(toolLines, t.Name+": "+t.Description)
		names = append(names, t.Name)
	}

	r := strings.NewReplacer(
		"{tools}", strings.Join(toolLines, "\n"),
		"{tool_names}", strings.Join(names, ", "),
		"{chat_history}", in.History,
		"{input}", in.UserInput,
		"{agent_scratchpad}", in.Scratchpad,
	)
	return r.Replace(template)
}

// FormatHistory renders messages oldest first as "User:" / "Assistant:"
// lines.
func FormatHistory(msgs []domain.ChatMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			lines = append(lines, "User: "+m.Text)
		case domain.RoleAssistant:
			lines = append(lines, "Assistant: "+m.Text)
		}
	}
	return strings.Join(lines, "\n")
}
