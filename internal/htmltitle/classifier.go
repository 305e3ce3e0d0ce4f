// Package htmltitle extracts the text of a single HTML element, normally
// <title>, from a byte stream without buffering the response.
//
// The Classifier is a push parser: bytes are fed through Write in chunks of
// any size and the parser state survives between calls, so the result does
// not depend on where chunk boundaries fall. All working buffers are bounded;
// bytes beyond a buffer's capacity are dropped.
package htmltitle

import (
	"html"
	"strings"
)

// State is the externally visible parser state.
type State int

const (
	Outside State = iota
	InOpenTag
	InAttribute
	InsideTargetElement
	Done
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Outside:
		return "outside"
	case InOpenTag:
		return "in_open_tag"
	case InAttribute:
		return "in_attribute"
	case InsideTargetElement:
		return "inside_target_element"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Default buffer capacities.
const (
	DefaultTagLimit       = 32
	DefaultAttrNameLimit  = 32
	DefaultAttrValueLimit = 128
	DefaultTextLimit      = 1024
)

// Config controls what the classifier extracts.
type Config struct {
	// TargetElement is the element whose inner text is extracted.
	TargetElement string
	// FoldCase lower-cases tag and attribute names before matching.
	FoldCase       bool
	TagLimit       int
	AttrNameLimit  int
	AttrValueLimit int
	TextLimit      int
}

// DefaultConfig extracts <title> with case folding.
func DefaultConfig() Config {
	return Config{
		TargetElement:  "title",
		FoldCase:       true,
		TagLimit:       DefaultTagLimit,
		AttrNameLimit:  DefaultAttrNameLimit,
		AttrValueLimit: DefaultAttrValueLimit,
		TextLimit:      DefaultTextLimit,
	}
}

type attrPhase int

const (
	attrName attrPhase = iota
	attrAfterName
	attrBeforeValue
	attrQuotedValue
	attrUnquotedValue
)

type bounded struct {
	buf   []byte
	limit int
}

func newBounded(limit int) bounded {
	return bounded{buf: make([]byte, 0, limit), limit: limit}
}

func (b *bounded) add(c byte) {
	if len(b.buf) < b.limit {
		b.buf = append(b.buf, c)
	}
}

func (b *bounded) reset() {
	b.buf = b.buf[:0]
}

func (b *bounded) String() string {
	return string(b.buf)
}

// Classifier is the incremental extractor. It is not safe for concurrent use;
// each scan owns its own instance.
type Classifier struct {
	cfg    Config
	target string
	endTag string

	state State

	tag         bounded
	closing     bool
	selfClosing bool
	comment     bool
	dashes      int

	attr      bounded
	value     bounded
	phase     attrPhase
	quote     byte
	attrCount int

	text    bounded
	pending []byte

	title string
}

// New creates a classifier. Zero limits fall back to the defaults.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.TargetElement == "" {
		cfg.TargetElement = def.TargetElement
	}
	if cfg.TagLimit <= 0 {
		cfg.TagLimit = def.TagLimit
	}
	if cfg.AttrNameLimit <= 0 {
		cfg.AttrNameLimit = def.AttrNameLimit
	}
	if cfg.AttrValueLimit <= 0 {
		cfg.AttrValueLimit = def.AttrValueLimit
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = def.TextLimit
	}

	target := cfg.TargetElement
	if cfg.FoldCase {
		target = strings.ToLower(target)
	}

	c := &Classifier{
		cfg:    cfg,
		target: target,
		endTag: "</" + target,
		tag:    newBounded(cfg.TagLimit),
		attr:   newBounded(cfg.AttrNameLimit),
		value:  newBounded(cfg.AttrValueLimit),
		text:   newBounded(cfg.TextLimit),
	}
	c.pending = make([]byte, 0, len(c.endTag))
	return c
}

// NewDefault creates a <title> classifier.
func NewDefault() *Classifier {
	return New(DefaultConfig())
}

// Write feeds a chunk of the response. It never fails.
func (c *Classifier) Write(p []byte) (int, error) {
	for _, b := range p {
		if c.state == Done {
			break
		}
		c.step(b)
	}
	return len(p), nil
}

// Reset returns the classifier to its initial state.
func (c *Classifier) Reset() {
	c.state = Outside
	c.tag.reset()
	c.attr.reset()
	c.value.reset()
	c.text.reset()
	c.pending = c.pending[:0]
	c.closing, c.selfClosing, c.comment = false, false, false
	c.dashes, c.quote, c.attrCount = 0, 0, 0
	c.title = ""
}

// State returns the current parser state.
func (c *Classifier) State() State {
	return c.state
}

// Done reports whether the target element has been fully read.
func (c *Classifier) Done() bool {
	return c.state == Done
}

// Title returns the extracted text, or "" until the element is closed.
func (c *Classifier) Title() string {
	return c.title
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

func (c *Classifier) fold(b byte) byte {
	if c.cfg.FoldCase && b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func (c *Classifier) step(b byte) {
	switch c.state {
	case Outside:
		if b == '<' {
			c.beginTag()
		}
	case InOpenTag:
		c.stepTagName(b)
	case InAttribute:
		c.stepAttribute(b)
	case InsideTargetElement:
		c.stepText(b)
	}
}

func (c *Classifier) beginTag() {
	c.state = InOpenTag
	c.tag.reset()
	c.closing, c.selfClosing, c.comment = false, false, false
	c.dashes = 0
}

func (c *Classifier) stepTagName(b byte) {
	if c.comment {
		switch {
		case b == '-':
			c.dashes++
		case b == '>' && c.dashes >= 2:
			c.state = Outside
		default:
			c.dashes = 0
		}
		return
	}

	switch {
	case b == '/' && len(c.tag.buf) == 0 && !c.closing:
		c.closing = true
	case b == '>':
		c.endOfTag()
	case isSpace(b):
		if len(c.tag.buf) == 0 && !c.closing {
			// "< " is text, not markup
			c.state = Outside
			return
		}
		c.enterAttributes()
	case b == '/':
		c.selfClosing = true
		c.enterAttributes()
	default:
		c.tag.add(c.fold(b))
		if c.tag.String() == "!--" {
			c.comment = true
		}
	}
}

func (c *Classifier) enterAttributes() {
	c.state = InAttribute
	c.phase = attrName
	c.quote = 0
	c.attrCount = 0
	c.attr.reset()
	c.value.reset()
}

func (c *Classifier) finishAttribute() {
	if len(c.attr.buf) > 0 {
		c.attrCount++
	}
	c.attr.reset()
	c.value.reset()
	c.phase = attrName
}

func (c *Classifier) stepAttribute(b byte) {
	switch c.phase {
	case attrQuotedValue:
		if b == c.quote {
			c.quote = 0
			c.finishAttribute()
		} else {
			c.value.add(b)
		}
		return
	case attrUnquotedValue:
		switch {
		case b == '>':
			c.finishAttribute()
			c.endOfTag()
		case isSpace(b):
			c.finishAttribute()
		default:
			c.value.add(b)
		}
		return
	case attrBeforeValue:
		switch {
		case isSpace(b):
		case b == '"' || b == '\'':
			c.quote = b
			c.phase = attrQuotedValue
		case b == '>':
			c.finishAttribute()
			c.endOfTag()
		default:
			c.phase = attrUnquotedValue
			c.value.add(b)
		}
		return
	}

	switch {
	case b == '>':
		c.finishAttribute()
		c.endOfTag()
	case isSpace(b):
		if c.phase == attrName && len(c.attr.buf) > 0 {
			c.phase = attrAfterName
		}
	case b == '=':
		c.phase = attrBeforeValue
	case b == '/':
		c.selfClosing = true
	default:
		if c.phase == attrAfterName {
			c.finishAttribute()
		}
		c.selfClosing = false
		c.attr.add(c.fold(b))
	}
}

func (c *Classifier) endOfTag() {
	if !c.closing && !c.selfClosing && c.tag.String() == c.target {
		c.state = InsideTargetElement
		c.text.reset()
		c.pending = c.pending[:0]
		return
	}
	c.state = Outside
}

// stepText copies element content while watching for the closing tag.
func (c *Classifier) stepText(b byte) {
	if len(c.pending) == 0 {
		if b == '<' {
			c.pending = append(c.pending, b)
		} else {
			c.text.add(b)
		}
		return
	}

	if len(c.pending) < len(c.endTag) {
		if c.fold(b) == c.endTag[len(c.pending)] {
			c.pending = append(c.pending, b)
			return
		}
		c.flushPending()
		c.stepText(b)
		return
	}

	if isSpace(b) || b == '/' || b == '>' {
		c.finish()
		return
	}
	c.flushPending()
	c.stepText(b)
}

func (c *Classifier) flushPending() {
	for _, p := range c.pending {
		c.text.add(p)
	}
	c.pending = c.pending[:0]
}

func (c *Classifier) finish() {
	c.title = strings.Join(strings.Fields(html.UnescapeString(c.text.String())), " ")
	c.pending = c.pending[:0]
	c.state = Done
}

// Extract runs a fresh default classifier over data and returns the title.
func Extract(data []byte) string {
	c := NewDefault()
	_, _ = c.Write(data)
	return c.Title()
}
