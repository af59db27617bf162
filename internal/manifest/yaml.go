package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// parseYAML reads the nested layout
//
//	<project>:
//	  <category>:            # null: one batch, no options
//	  <category>:            # mapping: one batch with options
//	    query_string: ...
//	  <category>:            # sequence: one batch per item
//	    - metadata_to_keep: ...
//
// Mapping order is kept so batch numbers follow the document.
func parseYAML(path string, data []byte) ([]Row, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: path, Msg: err.Error()}
	}
	if len(doc.Content) == 0 {
		return nil, &ParseError{Path: path, Msg: "empty manifest"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Path: path, Line: root.Line, Msg: "top level must map project names to samples' categories"}
	}

	var rows []Row
	for i := 0; i+1 < len(root.Content); i += 2 {
		projectKey, categories := root.Content[i], root.Content[i+1]
		if categories.Kind != yaml.MappingNode {
			return nil, &ParseError{Path: path, Line: categories.Line, Msg: fmt.Sprintf("project %q must map samples' categories", projectKey.Value)}
		}
		for j := 0; j+1 < len(categories.Content); j += 2 {
			categoryKey, body := categories.Content[j], categories.Content[j+1]
			base := Row{ProjectID: projectKey.Value, SampleCategory: categoryKey.Value}
			batch, err := decodeBatches(path, base, body)
			if err != nil {
				return nil, err
			}
			for _, r := range batch {
				if err := r.validate(path, categoryKey.Line); err != nil {
					return nil, err
				}
			}
			rows = append(rows, batch...)
		}
	}
	return rows, nil
}

func decodeBatches(path string, base Row, body *yaml.Node) ([]Row, error) {
	switch {
	case body.Kind == yaml.ScalarNode && body.ShortTag() == "!!null":
		return []Row{base}, nil
	case body.Kind == yaml.MappingNode:
		r := base
		if err := body.Decode(&r); err != nil {
			return nil, &ParseError{Path: path, Line: body.Line, Msg: err.Error()}
		}
		return []Row{r}, nil
	case body.Kind == yaml.SequenceNode:
		out := make([]Row, 0, len(body.Content))
		for _, item := range body.Content {
			more, err := decodeBatches(path, base, item)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil
	default:
		return nil, &ParseError{Path: path, Line: body.Line, Msg: fmt.Sprintf("unexpected value for %s/%s", base.ProjectID, base.SampleCategory)}
	}
}
