package generation

import "strings"

// PromptSuffix steers the fine-tuned model toward its trained subject.
const PromptSuffix = " Some of the people, statues, or objects in the scene should look like TOK"

// Scene is one selectable tour.
type Scene struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

var scenes = []Scene{
	{
		Slug:        "julius-caesar",
		Title:       "Julius Caesar at the Roman Forum",
		Description: "Emperor Julius Caesar giving a speech at the Roman Forum, addressing a crowd of Roman citizens with grand Roman architecture in the background.",
	},
	{
		Slug:        "gladiators",
		Title:       "Gladiators in the Colosseum",
		Description: "Gladiators preparing for battle inside the Colosseum, with their armor gleaming, the arena packed with spectators cheering them on.",
	},
	{
		Slug:        "roman-feast",
		Title:       "A Roman Feast",
		Description: "A lavish Roman feast with nobles and emperors dining in an extravagant hall, surrounded by luxurious food, wine, and ornate decorations.",
	},
	{
		Slug:        "pantheon",
		Title:       "Architects Designing the Pantheon",
		Description: "Roman architects working on detailed blueprints of the Pantheon under the guidance of Emperor Hadrian, surrounded by construction materials and models.",
	},
	{
		Slug:        "soldiers",
		Title:       "Roman Soldiers Marching",
		Description: "Roman soldiers in full armor marching through a grand triumphal arch, celebrating a victorious return from battle with flags and banners waving.",
	},
	{
		Slug:        "empress-livia",
		Title:       "Empress Livia in Palace Gardens",
		Description: "Empress Livia, wife of Augustus, walking gracefully through the beautifully manicured palace gardens, with vibrant flowers and elegant statues surrounding her.",
	},
}

// Scenes returns the selectable tours in display order.
func Scenes() []Scene {
	out := make([]Scene, len(scenes))
	copy(out, scenes)
	return out
}

// LookupScene matches tourType against scene titles and slugs, ignoring case.
func LookupScene(tourType string) (Scene, bool) {
	tourType = strings.TrimSpace(tourType)
	if tourType == "" {
		return Scene{}, false
	}
	for _, s := range scenes {
		if strings.EqualFold(s.Title, tourType) || strings.EqualFold(s.Slug, tourType) {
			return s, true
		}
	}
	return Scene{}, false
}

// SelectPrompt returns the prompt for tourType, falling back to a uniformly
// random scene when tourType is unknown. intn must return a value in [0, n).
func SelectPrompt(tourType string, intn func(n int) int) string {
	s, ok := LookupScene(tourType)
	if !ok {
		s = scenes[intn(len(scenes))]
	}
	return s.Description + PromptSuffix
}
