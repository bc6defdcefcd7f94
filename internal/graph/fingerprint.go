package graph

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// content is the part of a graph that identifies what was fetched, leaving
// out when and for how long.
type content struct {
	Entities map[string]models.Entity `cbor:"1,keyasint"`
	Edges    map[string][]string      `cbor:"2,keyasint"`
}

// Fingerprint hashes the entities and edges of g. Two graphs built from the
// same LMS data have the same fingerprint regardless of BuiltAt.
func Fingerprint(g *models.EntityGraph) string {
	if g == nil {
		return ""
	}
	data, err := encMode.Marshal(content{Entities: g.Entities, Edges: g.Edges})
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
