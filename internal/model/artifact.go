package model

import "time"

// ArtifactKind tags the seven artifact families stored in the
// content-addressed table. Keeping them in one tagged family keeps the
// evidence-chain walk uniform.
type ArtifactKind string

const (
	KindInput     ArtifactKind = "input"
	KindPage      ArtifactKind = "page"
	KindVariant   ArtifactKind = "variant"
	KindZone      ArtifactKind = "zone"
	KindOcrResult ArtifactKind = "ocr_result"
	KindCandidate ArtifactKind = "candidate"
	KindResolved  ArtifactKind = "resolved"
)

// Valid reports whether k is one of the seven known kinds.
func (k ArtifactKind) Valid() bool {
	switch k {
	case KindInput, KindPage, KindVariant, KindZone, KindOcrResult, KindCandidate, KindResolved:
		return true
	}
	return false
}

// Ref is a content-addressed artifact reference: the hex sha256 of the
// canonical encoding of (kind, parents, params, body hash). Identical inputs
// always produce identical refs.
type Ref string

// ArtifactMeta describes a stored artifact without its body.
type ArtifactMeta struct {
	Ref        Ref          `json:"ref"`
	Kind       ArtifactKind `json:"kind"`
	Parents    []Ref        `json:"parents,omitempty"`
	Params     string       `json:"params,omitempty"`
	Size       int64        `json:"size"`
	CreatedAt  time.Time    `json:"created_at"`
	AccessedAt time.Time    `json:"accessed_at"`
}
