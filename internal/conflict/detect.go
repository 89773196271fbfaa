package conflict

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// positionPattern matches one POSITION directive at the start of a
// line: POSITION[api versioning]: keep v1 frozen.
var positionPattern = regexp.MustCompile(`(?m)^\s*POSITION\[([^\]]+)\]:\s*(.+?)\s*$`)

// Position is a single persona's stated stance on a topic.
type Position struct {
	Persona string
	Topic   string
	Stance  string
}

// ParsePositions extracts all POSITION directives from one agent's
// output. Prose outside the directives is ignored. When a persona
// states the same topic twice the last directive wins.
func ParsePositions(persona, content string) []Position {
	matches := positionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	byTopic := make(map[string]Position, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		topic := NormalizeQuestion(m[1])
		if topic == "" {
			continue
		}
		if _, seen := byTopic[topic]; !seen {
			order = append(order, topic)
		}
		byTopic[topic] = Position{Persona: persona, Topic: topic, Stance: m[2]}
	}
	out := make([]Position, 0, len(order))
	for _, topic := range order {
		out = append(out, byTopic[topic])
	}
	return out
}

// Markers for implementation-choice conflicts ("use X instead of Y").
var implementationChoiceMarkers = []string{
	"instead of",
	"rather than",
	"alternative",
	"switch to",
	"replace",
	"migrate to",
}

// Markers for priority conflicts (what to do first, what to defer).
var priorityMarkers = []string{
	"priorit", // priority, prioritize, prioritise
	"defer",
	"postpone",
	"urgent",
	"before anything else",
}

// Markers for tradeoff conflicts (which cost is acceptable).
var tradeoffMarkers = []string{
	"tradeoff",
	"trade-off",
	"at the cost of",
	"at the expense of",
	"versus",
	"sacrifice",
}

// High-severity markers: stances framed as non-negotiable or touching
// correctness and security.
var highSeverityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmust( not)?\b`),
	regexp.MustCompile(`(?i)\bnever\b`),
	regexp.MustCompile(`(?i)\bcritical\b`),
	regexp.MustCompile(`(?i)\bsecurity\b`),
	regexp.MustCompile(`(?i)\bunacceptable\b`),
	regexp.MustCompile(`(?i)\bblocker\b`),
	regexp.MustCompile(`(?i)\bdata loss\b`),
	regexp.MustCompile(`(?i)\bvulnerab`), // vulnerable, vulnerability
}

// Medium-severity markers: firm recommendations short of a veto.
var mediumSeverityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bshould( not)?\b`),
	regexp.MustCompile(`(?i)\bprefer`),
	regexp.MustCompile(`(?i)\brecommend`),
	regexp.MustCompile(`(?i)\bstrongly\b`),
}

// classifyType buckets a conflict by the language of its stances. A
// stance that matches markers from more than one bucket is ambiguous
// and cannot be classified; zero matches is an ordinary disagreement.
func classifyType(stances []string) (Type, error) {
	text := strings.ToLower(strings.Join(stances, "\n"))

	matched := make([]Type, 0, 3)
	buckets := []struct {
		t       Type
		markers []string
	}{
		{TypeImplementationChoice, implementationChoiceMarkers},
		{TypePriority, priorityMarkers},
		{TypeTradeoff, tradeoffMarkers},
	}
	for _, b := range buckets {
		for _, marker := range b.markers {
			if strings.Contains(text, marker) {
				matched = append(matched, b.t)
				break
			}
		}
	}

	switch len(matched) {
	case 0:
		return TypeDisagreement, nil
	case 1:
		return matched[0], nil
	default:
		names := make([]string, len(matched))
		for i, t := range matched {
			names[i] = string(t)
		}
		return TypeDisagreement, errors.New("stances match multiple taxonomy categories: " + strings.Join(names, ", "))
	}
}

// classifySeverity grades the strongest language found across all
// stances of a conflict.
func classifySeverity(stances []string) Severity {
	severity := SeverityLow
	for _, stance := range stances {
		for _, p := range highSeverityPatterns {
			if p.MatchString(stance) {
				return SeverityHigh
			}
		}
		for _, p := range mediumSeverityPatterns {
			if p.MatchString(stance) {
				severity = maxSeverity(severity, SeverityMedium)
				break
			}
		}
	}
	return severity
}

// litigated reports whether the question already has a record in the
// run's arbitration history. Comparison is case- and
// whitespace-insensitive on both sides.
func litigated(history []Record, question string) bool {
	question = NormalizeQuestion(question)
	for _, rec := range history {
		if NormalizeQuestion(rec.Question) == question {
			return true
		}
	}
	return false
}

// Detect compares the outputs of one deliberation round and returns a
// record for every topic on which at least two personas hold different
// stances. Outputs map persona name to raw output text. Topic names
// are matched per NormalizeQuestion, so casing differences between
// personas do not split a topic.
//
// Detection is order-independent: the same outputs produce the same
// records (up to generated IDs and timestamps) regardless of map
// iteration order. Topics already present in history are skipped, so a
// resolved question is never re-opened by a later round.
//
// When a disagreement cannot be classified against the taxonomy its
// record is still returned, at high severity, and the classification
// failures are joined into the returned error. Callers should log the
// error and proceed with the records.
func Detect(phase string, outputs map[string]string, history []Record) ([]Record, error) {
	type stance struct {
		persona string
		text    string
	}
	byTopic := make(map[string][]stance)

	personas := make([]string, 0, len(outputs))
	for persona := range outputs {
		personas = append(personas, persona)
	}
	sort.Strings(personas)

	for _, persona := range personas {
		for _, pos := range ParsePositions(persona, outputs[persona]) {
			byTopic[pos.Topic] = append(byTopic[pos.Topic], stance{persona: persona, text: pos.Stance})
		}
	}

	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var records []Record
	var errs []error
	for _, topic := range topics {
		stances := byTopic[topic]
		if len(stances) < 2 {
			continue
		}
		distinct := make(map[string]struct{}, len(stances))
		for _, s := range stances {
			distinct[NormalizeQuestion(s.text)] = struct{}{}
		}
		if len(distinct) < 2 {
			continue
		}
		if litigated(history, topic) {
			continue
		}

		involved := make([]string, 0, len(stances))
		positions := make(map[string]string, len(stances))
		texts := make([]string, 0, len(stances))
		for _, s := range stances {
			involved = append(involved, s.persona)
			positions[s.persona] = s.text
			texts = append(texts, s.text)
		}

		rec := Record{
			ID:        NewRecordID(),
			Phase:     phase,
			Question:  topic,
			Personas:  involved,
			Positions: positions,
			Severity:  classifySeverity(texts),
			Open:      true,
			CreatedAt: time.Now().UTC(),
		}
		t, err := classifyType(texts)
		rec.Type = t
		if err != nil {
			// Unclassifiable conflicts go to a human, never to
			// precedence-based auto-resolution.
			rec.Severity = SeverityHigh
			rec.ClassificationNote = err.Error()
			errs = append(errs, &TaxonomyError{Question: topic, Reason: err.Error()})
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}
