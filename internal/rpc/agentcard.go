package rpc

import "net/http"

// AgentCard is the discovery document served at /.well-known/agent-card.
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills"`
}

// Capabilities advertises which transports the agent endpoint supports.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
}

// Skill describes one callable capability for discovery clients.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// defaultSkills enumerates the tasks.* method surface, framed as
// discoverable skills.
func defaultSkills() []Skill {
	return []Skill{
		{ID: MethodTasksExecute, Name: "Execute task tree", Description: "Run the minimal eligible subtree rooted at a task.", Tags: []string{"tasks", "execution"}},
		{ID: MethodTasksCreate, Name: "Create task tree", Description: "Validate and persist a new task tree.", Tags: []string{"tasks", "crud"}},
		{ID: MethodTasksCopy, Name: "Copy task tree", Description: "Produce a pending duplicate of a subtree for fresh execution.", Tags: []string{"tasks", "copy"}},
		{ID: MethodTasksCancel, Name: "Cancel task", Description: "Cooperatively cancel a running or pending task.", Tags: []string{"tasks", "control"}},
	}
}

// ServeAgentCard returns the public, unauthenticated discovery handler.
func ServeAgentCard(name, description, url, version string) http.HandlerFunc {
	card := AgentCard{
		Name:        name,
		Description: description,
		URL:         url,
		Version:     version,
		Capabilities: Capabilities{
			Streaming:         true,
			PushNotifications: true,
		},
		Skills: defaultSkills(),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, card)
	}
}
