// Package id mints the prefixed identifiers stored with sessions, messages
// and configuration records.
package id

import (
	"strconv"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet leaves out '_' and '-' so the prefix separator is unambiguous.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const defaultSize = 21

type Kind string

const (
	Message  Kind = "msg"
	Session  Kind = "ses"
	ToolCall Kind = "call"
	Agent    Kind = "agt"
	Provider Kind = "prv"
	Tool     Kind = "tool"
)

type Generator struct {
	size int
	seq  atomic.Uint64
}

func New() *Generator {
	return &Generator{size: defaultSize}
}

// Next returns "<kind>_<random>". If the random source fails it falls back to
// a time and counter suffix, which is still unique within the process.
func (g *Generator) Next(kind Kind) string {
	suffix, err := gonanoid.Generate(Alphabet, g.size)
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36) + strconv.FormatUint(g.seq.Add(1), 36)
	}
	return string(kind) + "_" + suffix
}

func (g *Generator) GenerateMessageID() string  { return g.Next(Message) }
func (g *Generator) GenerateSessionID() string  { return g.Next(Session) }
func (g *Generator) GenerateToolCallID() string { return g.Next(ToolCall) }
func (g *Generator) GenerateAgentID() string    { return g.Next(Agent) }
func (g *Generator) GenerateProviderID() string { return g.Next(Provider) }
func (g *Generator) GenerateToolID() string     { return g.Next(Tool) }
