package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/loomflow/loom/types"
	"github.com/loomflow/loom/utils"
)

// RenderDefinition returns the Graphviz DOT drawing of a registered
// definition.
func (e *Engine) RenderDefinition(id string) (string, error) {
	def, exists := e.GetDefinition(id)
	if !exists {
		return "", errors.NotFoundf("definition: %s", id)
	}
	renderer := newDAGRenderer()
	return renderer.generateDOT(def, nil), nil
}

// RenderInstance returns the DOT drawing of an instance with each node
// coloured by its execution status.
func (e *Engine) RenderInstance(ctx context.Context, instanceID string) (string, error) {
	inst, err := e.GetInstanceStatus(ctx, instanceID)
	if err != nil {
		return "", errors.Trace(err)
	}
	def, exists := e.GetDefinition(inst.DefinitionID)
	if !exists {
		return "", errors.NotFoundf("definition: %s", inst.DefinitionID)
	}
	renderer := newDAGRenderer()
	return renderer.generateDOT(def, inst.Executions), nil
}

func newDAGRenderer() *dagRenderer {
	return &dagRenderer{nil, &strings.Builder{}}
}

type dagRenderer struct {
	executions map[string]*types.NodeExecution
	sb         *strings.Builder
}

func (d *dagRenderer) generateDOT(def *types.Definition, executions map[string]*types.NodeExecution) string {
	if executions == nil {
		executions = make(map[string]*types.NodeExecution)
	}
	d.executions = executions

	d.write("digraph D {")
	for _, node := range def.Nodes {
		d.drawNode(node)
	}
	d.drawLinks(def)
	d.write("label=%s", quoteString(def.Name))
	d.write("}")
	return d.sb.String()
}

func packToComment(exec *types.NodeExecution) string {
	s, _ := utils.Serialize(exec)
	return formatNL(addSlashes(string(s)))
}

func (d *dagRenderer) calcAttr(nodeID string) string {
	exec, exists := d.executions[nodeID]
	if !exists {
		return ""
	}

	color := ""
	switch exec.Status {
	case types.ExecutionPending:
		color = "white"
	case types.ExecutionRunning:
		color = "yellow"
	case types.ExecutionFailed:
		color = "red"
	case types.ExecutionCompleted:
		color = "green"
	case types.ExecutionSkipped:
		color = "gray"
	}
	return fmt.Sprintf(" style=\"filled\" color=\"%s\" comment=\"%s\"", color, packToComment(exec))
}

func nodeShape(kind types.NodeKind) string {
	switch kind {
	case types.KindCondition, types.KindDecision:
		return "diamond"
	case types.KindStart, types.KindEnd:
		return "oval"
	default:
		return "record"
	}
}

func (d *dagRenderer) drawNode(node *types.Node) {
	attr := d.calcAttr(node.ID)
	label := node.Name
	if label == "" {
		label = node.ID
	}
	d.write("%s [label=%s shape=\"%s\"%s]", idString(node.ID), quoteString(label), nodeShape(node.Kind), attr)
}

func (d *dagRenderer) drawLinks(def *types.Definition) {
	for _, node := range def.Nodes {
		for _, dep := range node.DependsOn {
			d.write("%s -> %s [style=\"dashed\"]", idString(dep), idString(node.ID))
		}
	}
	for _, edge := range def.Edges {
		if edge.Guard != "" {
			d.write("%s -> %s [label=%s]", idString(edge.From), idString(edge.To), quoteString(edge.Guard))
			continue
		}
		d.write("%s -> %s", idString(edge.From), idString(edge.To))
	}
}

func (d *dagRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\"", "'", " "}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func formatNL(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", "."}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}
