package store

import (
	"fmt"
	"strings"

	"github.com/you/streamstats/internal/core"
)

// predicates is a composable WHERE clause. Each condition brings its own
// arguments and the whole vector is bound in one variadic call.
type predicates struct {
	conditions []string
	args       []any
}

func (p *predicates) add(cond string, args ...any) {
	p.conditions = append(p.conditions, cond)
	p.args = append(p.args, args...)
}

func (p *predicates) in(column string, values []any) {
	if len(values) == 0 {
		p.add("0")
		return
	}
	placeholders := make([]string, len(values))
	for i := range values {
		placeholders[i] = "?"
	}
	p.add(fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")), values...)
}

func (p *predicates) where() string {
	if len(p.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conditions, " AND ")
}

// filterColumns maps the shared filter onto one table's columns.
type filterColumns struct {
	channel string
	stream  string
	time    string
	game    string // clause taking one argument
}

var sampleColumns = filterColumns{
	channel: "ss.channel_id",
	stream:  "ss.stream_id",
	time:    "ss.collected_at",
	game:    "ss.category = ?",
}

// Chat rows carry no category; a message belongs to a game through its stream.
var chatColumns = filterColumns{
	channel: "cm.channel_id",
	stream:  "cm.stream_id",
	time:    "cm.timestamp",
	game:    "cm.stream_id IN (SELECT id FROM streams WHERE category = ?)",
}

func buildFilter(f core.Filter, cols filterColumns) *predicates {
	p := &predicates{}
	if f.ChannelID != nil {
		p.add(cols.channel+" = ?", *f.ChannelID)
	}
	if f.StreamID != nil {
		p.add(cols.stream+" = ?", *f.StreamID)
	}
	if f.GameID != nil {
		p.add(cols.game, *f.GameID)
	}
	if f.Start != nil {
		p.add(cols.time+" >= ?", toMS(*f.Start))
	}
	if f.End != nil {
		p.add(cols.time+" <= ?", toMS(*f.End))
	}
	return p
}
