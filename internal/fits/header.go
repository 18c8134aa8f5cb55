package fits

import (
	"fmt"
	"strconv"
	"strings"
)

// Card is one header record. Value is a string, bool, int64, float64, or
// nil for commentary cards (HISTORY, COMMENT, blank).
type Card struct {
	Key     string
	Value   any
	Comment string
}

func isCommentary(key string) bool {
	return key == "HISTORY" || key == "COMMENT" || key == ""
}

// Header is an ordered card list. HISTORY entries are append-only.
type Header struct {
	cards []Card
}

// NewHeader returns an empty header.
func NewHeader() *Header { return &Header{} }

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	if h == nil {
		return NewHeader()
	}
	out := &Header{cards: make([]Card, len(h.cards))}
	copy(out.cards, h.cards)
	return out
}

// Cards returns a copy of the card list.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

func (h *Header) index(key string) int {
	key = strings.ToUpper(key)
	for i, c := range h.cards {
		if c.Key == key && !isCommentary(key) {
			return i
		}
	}
	return -1
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool { return h.index(key) >= 0 }

// Get returns the raw value of key.
func (h *Header) Get(key string) (any, bool) {
	if i := h.index(key); i >= 0 {
		return h.cards[i].Value, true
	}
	return nil, false
}

// Set replaces the value of key in place, or appends a new card.
func (h *Header) Set(key string, value any, comment string) {
	key = strings.ToUpper(key)
	switch v := value.(type) {
	case int:
		value = int64(v)
	case int32:
		value = int64(v)
	case float32:
		value = float64(v)
	}
	if i := h.index(key); i >= 0 {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.cards = append(h.cards, Card{Key: key, Value: value, Comment: comment})
}

// Delete removes key if present.
func (h *Header) Delete(key string) {
	if i := h.index(key); i >= 0 {
		h.cards = append(h.cards[:i], h.cards[i+1:]...)
	}
}

// String returns key as text, or "" when missing.
func (h *Header) String(key string) string {
	v, ok := h.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns key as a float64.
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns key as an int.
func (h *Header) Int(key string) (int, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// AddHistory appends a HISTORY entry.
func (h *Header) AddHistory(text string) {
	h.cards = append(h.cards, Card{Key: "HISTORY", Value: text})
}

// History returns the HISTORY entries in order.
func (h *Header) History() []string {
	var out []string
	for _, c := range h.cards {
		if c.Key == "HISTORY" {
			if s, ok := c.Value.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// structural keywords are emitted by the writer, never copied from cards.
var structural = map[string]struct{}{
	"SIMPLE": {}, "XTENSION": {}, "BITPIX": {}, "NAXIS": {}, "NAXIS1": {}, "NAXIS2": {},
	"NAXIS3": {}, "EXTEND": {}, "PCOUNT": {}, "GCOUNT": {}, "BZERO": {}, "BSCALE": {}, "END": {},
}

func formatCard(c Card) []string {
	if isCommentary(c.Key) {
		text, _ := c.Value.(string)
		if text == "" {
			text = c.Comment
		}
		var out []string
		for {
			chunk := text
			if len(chunk) > 72 {
				chunk = text[:72]
			}
			out = append(out, pad(fmt.Sprintf("%-8s%s", c.Key, chunk)))
			text = text[len(chunk):]
			if text == "" {
				return out
			}
		}
	}

	var val string
	switch v := c.Value.(type) {
	case string:
		quoted := strings.ReplaceAll(v, "'", "''")
		val = fmt.Sprintf("'%-8s'", quoted)
		val = fmt.Sprintf("%-20s", val)
	case bool:
		b := "F"
		if v {
			b = "T"
		}
		val = fmt.Sprintf("%20s", b)
	case int64:
		val = fmt.Sprintf("%20d", v)
	case float64:
		s := strconv.FormatFloat(v, 'G', -1, 64)
		if !strings.ContainsAny(s, ".E") {
			s += "."
		}
		val = fmt.Sprintf("%20s", s)
	case nil:
		val = fmt.Sprintf("%20s", "")
	default:
		val = fmt.Sprintf("%20v", v)
	}
	line := fmt.Sprintf("%-8s= %s", c.Key, val)
	if c.Comment != "" {
		line += " / " + c.Comment
	}
	return []string{pad(line)}
}

func pad(line string) string {
	if len(line) > cardSize {
		return line[:cardSize]
	}
	return line + strings.Repeat(" ", cardSize-len(line))
}

func parseCard(record string) Card {
	key := strings.TrimSpace(record[:8])
	if isCommentary(key) || len(record) < 10 || record[8:10] != "= " {
		return Card{Key: key, Value: strings.TrimRight(record[8:], " ")}
	}
	rest := record[10:]
	trimmed := strings.TrimLeft(rest, " ")
	if strings.HasPrefix(trimmed, "'") {
		var b strings.Builder
		i := 1
		for i < len(trimmed) {
			if trimmed[i] == '\'' {
				if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			b.WriteByte(trimmed[i])
			i++
		}
		comment := ""
		if j := strings.Index(trimmed[min(i+1, len(trimmed)):], "/"); j >= 0 {
			comment = strings.TrimSpace(trimmed[i+1+j+1:])
		}
		return Card{Key: key, Value: strings.TrimRight(b.String(), " "), Comment: comment}
	}

	raw, comment, _ := strings.Cut(rest, "/")
	raw = strings.TrimSpace(raw)
	return Card{Key: key, Value: parseValue(raw), Comment: strings.TrimSpace(comment)}
}

func parseValue(raw string) any {
	switch raw {
	case "":
		return nil
	case "T":
		return true
	case "F":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(strings.Replace(raw, "D", "E", 1), 64); err == nil {
		return f
	}
	return raw
}
