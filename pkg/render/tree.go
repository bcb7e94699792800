package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/killallgit/promptcanvas/pkg/registry"
)

// Tree writes every prompt chain of reg, grouped by message, roots in
// message order and children in creation order
func Tree(w io.Writer, reg *registry.Registry, st Styles) error {
	roots := make([]registry.Node, 0, len(reg.RootIDs()))
	for _, id := range reg.RootIDs() {
		node, err := reg.Get(id)
		if err != nil {
			return err
		}
		roots = append(roots, node)
	}
	if len(roots) == 0 {
		_, err := fmt.Fprintln(w, st.Muted.Render("No prompts recorded"))
		return err
	}

	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].MessageID != roots[j].MessageID {
			return roots[i].MessageID < roots[j].MessageID
		}
		return roots[i].PromptIndex < roots[j].PromptIndex
	})

	message := -1
	for _, root := range roots {
		if root.MessageID != message {
			message = root.MessageID
			if _, err := fmt.Fprintln(w, st.Title.Render(fmt.Sprintf("message %d", message))); err != nil {
				return err
			}
		}
		if err := writeNode(w, reg, root, "", "", st, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

func writeNode(w io.Writer, reg *registry.Registry, node registry.Node, lead, childLead string, st Styles, seen map[string]bool) error {
	if seen[node.ID] {
		return nil
	}
	seen[node.ID] = true

	line := fmt.Sprintf("%s%s %s %s", lead,
		st.Muted.Render(shortID(node.ID)),
		st.Prompt.Render(fmt.Sprintf("%q", node.Text)),
		st.Muted.Render("["+string(node.Source)+"]"))
	if node.Feedback != "" {
		line += st.Muted.Render(" feedback: " + node.Feedback)
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}

	children, err := reg.GetChildren(node.ID)
	if err != nil {
		return err
	}

	items := len(node.GeneratedImages) + len(children)
	n := 0
	for _, img := range node.GeneratedImages {
		n++
		branch, _ := branches(n == items)
		if _, err := fmt.Fprintln(w, childLead+branch+st.Image.Render(img)); err != nil {
			return err
		}
	}
	for _, child := range children {
		n++
		branch, cont := branches(n == items)
		if err := writeNode(w, reg, child, childLead+branch, childLead+cont, st, seen); err != nil {
			return err
		}
	}
	return nil
}

func branches(last bool) (string, string) {
	if last {
		return "└── ", "    "
	}
	return "├── ", "│   "
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// KeyValues renders aligned label/value rows inside a panel
func KeyValues(st Styles, title string, rows [][2]string) string {
	var b strings.Builder
	b.WriteString(st.Title.Render(title))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(st.Label.Render(row[0]))
		b.WriteString(st.Value.Render(row[1]))
	}
	return st.Panel.Render(b.String())
}
