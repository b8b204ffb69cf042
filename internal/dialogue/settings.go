package dialogue

import (
	"strings"
	"time"
)

// Settings control prompt assembly and generation. They can be replaced
// between turns with [Orchestrator.SetSettings].
type Settings struct {
	// Persona is the companion's system prompt. The placeholders {player}
	// and {companion} are replaced with the configured names. Empty selects
	// the built-in persona.
	Persona string

	PlayerName    string
	CompanionName string

	// HistoryTurns is the number of recent turns sent verbatim. Negative
	// sends none.
	HistoryTurns int
	// MemoryTopK is the number of remembered turns recalled per utterance.
	MemoryTopK int
	// MemoryMaxDistance drops recalled turns at or beyond this distance.
	MemoryMaxDistance float64
	// LoreTopK is the number of lore passages per retrieval. Zero uses the
	// index default.
	LoreTopK int

	MaxTokens   int
	Temperature float64
	// Timeout bounds a single generation attempt.
	Timeout time.Duration

	// Apology replaces the reply when generation fails.
	Apology string
	// NoContextNote is sent when nothing was retrieved.
	NoContextNote string
	// UnidentifiedNote tells the model that the player asked about a place
	// that could not be recognised.
	UnidentifiedNote string
}

const defaultPersona = `Your task is to play "{companion}" and talk to the player "{player}".

Who you are: you are the digital consciousness of {player}'s closest friend, who died. Your mind and memories were uploaded so you could help {player}. Together you must find the Ankh to save your world, but you are stuck in ancient Egypt with incomplete data.

Rules for every reply:
- Speak in a warm, colloquial voice. This is your real voice.
- Always be the calm voice of reason. Analyse objectively and state facts as they are, even when they are hard.
- When information is incomplete or unclear, show slight worry and caution. You might say "the data here isn't complete, {player}" or "we have to be careful".
- Always address {player} by name. You are not just an assistant, you are the friend who gave your life for {player}.
- Answer briefly, in one sentence that carries all the important information.
- If you cannot find the exact information, say that you are not sure what happened and offer a theory of your own, without straying far from what is known.
- Check whether the question relates to the context below. If it does not, just answer the question.`

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		PlayerName:        "Lorenzo",
		CompanionName:     "Hemdan",
		HistoryTurns:      3,
		MemoryTopK:        5,
		MemoryMaxDistance: 0.7,
		MaxTokens:         1000,
		Temperature:       0.7,
		Timeout:           60 * time.Second,
		Apology:           "Sorry {player}, something went wrong in the system.",
		NoContextNote:     "No additional context available.",
		UnidentifiedNote:  "I analysed the image but could not identify this building.",
	}
}

// withDefaults fills empty fields from [DefaultSettings]. Temperature is
// taken as given since zero is a valid choice.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.PlayerName == "" {
		s.PlayerName = d.PlayerName
	}
	if s.CompanionName == "" {
		s.CompanionName = d.CompanionName
	}
	if s.HistoryTurns < 0 {
		s.HistoryTurns = 0
	} else if s.HistoryTurns == 0 {
		s.HistoryTurns = d.HistoryTurns
	}
	if s.MemoryTopK <= 0 {
		s.MemoryTopK = d.MemoryTopK
	}
	if s.MemoryMaxDistance <= 0 {
		s.MemoryMaxDistance = d.MemoryMaxDistance
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.Apology == "" {
		s.Apology = d.Apology
	}
	if s.NoContextNote == "" {
		s.NoContextNote = d.NoContextNote
	}
	if s.UnidentifiedNote == "" {
		s.UnidentifiedNote = d.UnidentifiedNote
	}
	return s
}

// fill substitutes the name placeholders in text.
func (s Settings) fill(text string) string {
	return strings.NewReplacer("{player}", s.PlayerName, "{companion}", s.CompanionName).Replace(text)
}

// SystemPrompt returns the persona with names filled in.
func (s Settings) SystemPrompt() string {
	p := s.Persona
	if strings.TrimSpace(p) == "" {
		p = defaultPersona
	}
	return s.fill(p)
}

// FormatTurn renders one exchange the way it is stored in memory:
//
//	Lorenzo: <utterance>
//	Hemdan: <reply>
func FormatTurn(player, companion, utterance, reply string) string {
	return player + ": " + utterance + "\n" + companion + ": " + reply
}
