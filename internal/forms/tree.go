package forms

import (
	"sort"
	"time"
)

// FieldNode is one node of the on-demand field hierarchy view.
type FieldNode struct {
	ID              string       `json:"id"`
	ExternalFieldID string       `json:"external_field_id"`
	Title           string       `json:"title"`
	Type            FieldType    `json:"type"`
	Ref             string       `json:"ref,omitempty"`
	HierarchyLevel  int          `json:"hierarchy_level"`
	DisplayOrder    int          `json:"display_order"`
	VersionDate     time.Time    `json:"version_date"`
	IsScored        bool         `json:"is_scored"`
	Choices         []ChoiceNode `json:"choices,omitempty"`
	Children        []*FieldNode `json:"children,omitempty"`
}

// ChoiceNode is a choice attached to a FieldNode.
type ChoiceNode struct {
	ID               string `json:"id"`
	ExternalChoiceID string `json:"external_choice_id"`
	Label            string `json:"label"`
	DisplayOrder     int    `json:"display_order"`
	IsSynthetic      bool   `json:"is_synthetic"`
}

// BuildTree groups flat field and choice rows by their parent references. Fields whose
// parent is not part of the slice are returned as roots.
func BuildTree(fields []FieldVersion, choices []ChoiceVersion) []*FieldNode {
	nodes := make(map[string]*FieldNode, len(fields))
	for _, field := range fields {
		nodes[field.ID] = &FieldNode{
			ID:              field.ID,
			ExternalFieldID: field.ExternalFieldID,
			Title:           field.Title,
			Type:            field.Type,
			Ref:             field.Ref,
			HierarchyLevel:  field.HierarchyLevel,
			DisplayOrder:    field.DisplayOrder,
			VersionDate:     field.VersionDate,
			IsScored:        field.IsScored,
		}
	}

	for _, choice := range choices {
		node, ok := nodes[choice.FieldVersionID]
		if !ok {
			continue
		}
		node.Choices = append(node.Choices, ChoiceNode{
			ID:               choice.ID,
			ExternalChoiceID: choice.ExternalChoiceID,
			Label:            choice.Label,
			DisplayOrder:     choice.DisplayOrder,
			IsSynthetic:      choice.IsSynthetic,
		})
	}

	roots := make([]*FieldNode, 0)
	for _, field := range fields {
		node := nodes[field.ID]
		parentID := optionalString(field.ParentVersionID)
		if parent, ok := nodes[parentID]; ok && parentID != field.ID {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}

	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*FieldNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].DisplayOrder < nodes[j].DisplayOrder
	})
	for _, node := range nodes {
		sort.SliceStable(node.Choices, func(i, j int) bool {
			return node.Choices[i].DisplayOrder < node.Choices[j].DisplayOrder
		})
		sortNodes(node.Children)
	}
}
