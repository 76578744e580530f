package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/screen"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	cellStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#DDDDDD"))
	currentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

const cellMaxWidth = 40

// a read only list view that renders the displayed group as a text table
type textView struct {
	fields []string
	labels []string

	current *model.Record
	records []*model.Record
}

func newTextView(fields []string, definitions map[string]*model.FieldDefinition) *textView {
	labels := make([]string, len(fields))
	for i, field := range fields {
		labels[i] = field
		if definition, ok := definitions[field]; ok && definition.String != "" {
			labels[i] = definition.String
		}
	}
	return &textView{
		fields: fields,
		labels: labels,
	}
}

func (self *textView) ViewType() screen.ViewType {
	return screen.ViewTypeTree
}

func (self *textView) ViewId() int64 {
	return 0
}

func (self *textView) Editable() bool {
	return false
}

func (self *textView) Fields() []string {
	return self.fields
}

func (self *textView) SetValue(record *model.Record) {
}

func (self *textView) Display(record *model.Record, group *model.Group) {
	self.current = record
	self.records = nil
	if group != nil {
		self.records = group.Records()
	}
}

func (self *textView) SelectedRecords() []*model.Record {
	return nil
}

func (self *textView) Reset() {
	self.current = nil
	self.records = nil
}

func (self *textView) Render(footer string) string {
	columns := make([][]string, len(self.fields)+1)
	columns[0] = append(columns[0], headerStyle.Render("id"))
	for i, label := range self.labels {
		columns[i+1] = append(columns[i+1], headerStyle.Render(label))
	}
	for _, record := range self.records {
		style := cellStyle
		if record == self.current {
			style = currentStyle
		}
		columns[0] = append(columns[0], style.Render(fmt.Sprint(record.Id())))
		for i, field := range self.fields {
			columns[i+1] = append(columns[i+1], style.Render(formatValue(record.Get(field))))
		}
	}

	rendered := make([]string, len(columns))
	for i, column := range columns {
		rendered[i] = lipgloss.NewStyle().
			PaddingRight(2).
			Render(lipgloss.JoinVertical(lipgloss.Left, column...))
	}
	table := lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	if footer != "" {
		table = lipgloss.JoinVertical(lipgloss.Left, table, "", footerStyle.Render(footer))
	}
	return boxStyle.Render(table)
}

func formatValue(value any) string {
	var s string
	switch v := value.(type) {
	case nil:
		s = ""
	case bool:
		if v {
			s = "yes"
		} else {
			s = "no"
		}
	case []int64:
		parts := make([]string, len(v))
		for i, id := range v {
			parts[i] = fmt.Sprint(id)
		}
		s = strings.Join(parts, ",")
	default:
		s = fmt.Sprint(v)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runes := []rune(s); cellMaxWidth < len(runes) {
		s = string(runes[:cellMaxWidth-1]) + "…"
	}
	return s
}
