package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

func TestLexicalScorer(t *testing.T) {
	e := models.Entity{
		ID:    "assignment:101:7",
		Kind:  models.KindAssignment,
		Title: "Assignment 2: Recursion Report",
		Body:  "Write a report on recursion and submit a PDF.",
	}

	tests := []struct {
		name    string
		message string
		want    float64
	}{
		{"title and body hit", "recursion", 3},
		{"title only", "assignment", 2},
		{"body only", "pdf", 1},
		{"number kept", "assignment 2", 4},
		{"case insensitive", "RECURSION", 3},
		{"repeated term counted once", "recursion recursion", 3},
		{"stopwords ignored", "what is the", 0},
		{"no overlap", "databases", 0},
		{"empty message", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LexicalScorer{}.Score(tt.message, e))
		})
	}
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"week", "3", "lab", "sql"}, terms("Week 3 lab: the SQL lab"))
	assert.Empty(t, terms("a, I, to"))
}
