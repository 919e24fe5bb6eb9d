package domain

// ToolID is the closed set of tools the agent may call.
type ToolID int

const (
	ToolUnknown ToolID = iota
	ToolKnowledge
	ToolPlaces
	ToolWeather
)

var toolNames = map[ToolID]string{
	ToolKnowledge: "buscar_info_visitcali",
	ToolPlaces:    "buscar_google_places",
	ToolWeather:   "clima_por_lugar",
}

// String returns the wire name the reasoning backend uses for the tool.
func (id ToolID) String() string {
	if name, ok := toolNames[id]; ok {
		return name
	}
	return "unknown"
}

// ParseToolID maps a backend-supplied name to a ToolID. Unrecognised names
// map to ToolUnknown.
func ParseToolID(name string) ToolID {
	for id, n := range toolNames {
		if n == name {
			return id
		}
	}
	return ToolUnknown
}

// KnownTools lists every dispatchable tool in a stable order.
func KnownTools() []ToolID {
	return []ToolID{ToolKnowledge, ToolPlaces, ToolWeather}
}
