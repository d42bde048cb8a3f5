package depgraph

import (
	"encoding/xml"
	"fmt"
	"io"
)

const dgmlNamespace = "http://schemas.microsoft.com/vs/2009/dgml"

type dgmlNode struct {
	ID    string `xml:"Id,attr"`
	Label string `xml:"Label,attr"`
}

type dgmlLink struct {
	Source string `xml:"Source,attr"`
	Target string `xml:"Target,attr"`
	Reason string `xml:"Reason,attr"`
}

type dgmlDocument struct {
	XMLName xml.Name   `xml:"DirectedGraph"`
	Xmlns   string     `xml:"xmlns,attr"`
	Nodes   []dgmlNode `xml:"Nodes>Node"`
	Links   []dgmlLink `xml:"Links>Link"`
}

// dgmlBuilder assigns node ids in visit order so the output is stable for a
// given marking.
type dgmlBuilder[F any] struct {
	ids      map[Node[F]]string
	doc      dgmlDocument
	hasRoots bool
}

func (b *dgmlBuilder[F]) id(node Node[F]) string {
	if id, ok := b.ids[node]; ok {
		return id
	}
	id := fmt.Sprintf("%d", len(b.ids))
	b.ids[node] = id
	b.doc.Nodes = append(b.doc.Nodes, dgmlNode{ID: id, Label: node.String()})
	return id
}

func (b *dgmlBuilder[F]) VisitNode(node Node[F]) {
	b.id(node)
}

func (b *dgmlBuilder[F]) VisitRootEdge(root Node[F], reason string) {
	b.doc.Links = append(b.doc.Links, dgmlLink{
		Source: b.rootID(),
		Target: b.id(root),
		Reason: reason,
	})
}

func (b *dgmlBuilder[F]) VisitEdge(from, to Node[F], reason string) {
	b.doc.Links = append(b.doc.Links, dgmlLink{
		Source: b.id(from),
		Target: b.id(to),
		Reason: reason,
	})
}

// rootID is a synthetic node that every root edge starts from.
func (b *dgmlBuilder[F]) rootID() string {
	if b.hasRoots {
		return "roots"
	}
	b.hasRoots = true
	b.doc.Nodes = append(b.doc.Nodes, dgmlNode{ID: "roots", Label: "Roots"})
	return "roots"
}

// WriteDGML writes the analyzer's logged graph as a DGML document. With the
// no-log strategy the document is empty.
func WriteDGML[F any](w io.Writer, analyzer *Analyzer[F]) error {
	b := &dgmlBuilder[F]{
		ids: make(map[Node[F]]string),
		doc: dgmlDocument{Xmlns: dgmlNamespace},
	}
	analyzer.VisitLog(b)

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write dgml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(b.doc); err != nil {
		return fmt.Errorf("encode dgml: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write dgml: %w", err)
	}
	return nil
}
