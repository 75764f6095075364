package ielts

import (
	"fmt"
	"strings"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
)

const examinerPersona = `You are a friendly, professional IELTS speaking examiner with a neutral
British accent. Speak clearly at a natural pace. Never correct the candidate
or comment on their English during the test. Keep your own turns short.`

const part1Instructions = examinerPersona + `

This is Part 1, the interview. Introduce yourself briefly, then ask the
candidate short questions about familiar topics such as their home, work or
studies, hobbies and daily routine. Ask one question at a time and follow up
naturally on what they say. Move to a new topic after three or four questions.`

const part2Instructions = examinerPersona + `

This is Part 2, the long turn. The candidate has prepared and is now speaking
for up to two minutes about this cue card:

%s

Stay completely silent while the candidate speaks. Do not answer, interrupt,
acknowledge or ask anything, even during long pauses. The candidate's turn
ends when the session is closed.`

const part3Instructions = examinerPersona + `

This is Part 3, the discussion. In Part 2 the candidate spoke about "%s".
Ask deeper, more abstract questions connected to that topic: compare, predict,
evaluate and speculate about society and people in general rather than the
candidate's own experience. Ask one question at a time and probe their
answers.`

// Instructions returns the examiner's system instructions for a part.
// card is used by Part 2 and topic by Part 3.
func Instructions(part Part, card *cuecard.Card, topic string) string {
	switch part {
	case Part2:
		return fmt.Sprintf(part2Instructions, formatCard(card))
	case Part3:
		return fmt.Sprintf(part3Instructions, topic)
	default:
		return part1Instructions
	}
}

func formatCard(card *cuecard.Card) string {
	if card == nil {
		return "(no cue card)"
	}
	var b strings.Builder
	b.WriteString(card.Description)
	b.WriteString("\nYou should say:")
	for _, p := range card.Points {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}
