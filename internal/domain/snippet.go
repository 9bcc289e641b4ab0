package domain

import "time"

// InstallState tracks whether a snippet has been installed into the IDE's
// code-snippet mechanism.
type InstallState struct {
	Installed     bool   `json:"installed"`
	InstalledPath string `json:"installedPath,omitempty"`
}

// Snippet is a concrete installable code fragment associated with a recipe
// or candidate.
type Snippet struct {
	ID                 string `json:"id"`
	ExternalIdentifier string `json:"external_identifier"`
	Title              string `json:"title"`
	Language           string `json:"language"`
	Category           string `json:"category,omitempty"`
	CompletionTrigger  string `json:"completion_trigger,omitempty"`
	Summary            string `json:"summary,omitempty"`
	Body               string `json:"body"`

	Install InstallState `json:"install"`

	SourceRecipeID    *string `json:"source_recipe_id,omitempty"`
	SourceCandidateID *string `json:"source_candidate_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnippet constructs a not-yet-installed snippet.
func NewSnippet(id, externalID, title, language, body string) *Snippet {
	now := time.Now().UTC()
	return &Snippet{
		ID: id, ExternalIdentifier: externalID, Title: title, Language: language, Body: body,
		CreatedAt: now, UpdatedAt: now,
	}
}

// MarkInstalled records a successful install at path.
func (s *Snippet) MarkInstalled(path string) {
	s.Install = InstallState{Installed: true, InstalledPath: path}
	s.UpdatedAt = time.Now().UTC()
}
