package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/switchyard/cli/render"
	"github.com/pithecene-io/switchyard/graph"
	"github.com/pithecene-io/switchyard/service/echo"
)

// protocols are the protocol graphs known to the binary.
var protocols = map[string]func() *graph.Protocol{
	"echo":      echo.Protocol,
	"streaming": graph.Streaming,
	"primitive": graph.Primitive,
}

// EdgeRow is one protocol transition in table output.
type EdgeRow struct {
	Node     int    `json:"node"`
	TypeID   uint64 `json:"type_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Next     string `json:"next"`
	Upstream string `json:"upstream"`
}

// GraphCommand returns the graph command.
func GraphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Describe a protocol graph",
		ArgsUsage: "<protocol>",
		Description: "Prints the nodes and transitions of a protocol. The msgpack format\n" +
			"writes the protocol's wire description; other formats write a flat view.",
		Flags:  ReadOnlyFlags(),
		Action: graphAction,
	}
}

func graphAction(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		name = "echo"
	}
	proto, err := lookupProtocol(name)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	switch r.Format() {
	case render.FormatMsgpack:
		return r.Render(proto)
	case render.FormatTable:
		return r.Render(edgeRows(proto.Describe()))
	default:
		return r.Render(proto.Describe())
	}
}

func lookupProtocol(name string) (*graph.Protocol, error) {
	declare, ok := protocols[name]
	if !ok {
		names := make([]string, 0, len(protocols))
		for n := range protocols {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("unknown protocol %q (known: %v)", name, names)
	}
	return declare(), nil
}

func edgeRows(d graph.Description) []EdgeRow {
	var rows []EdgeRow
	for _, n := range d.Nodes {
		for _, e := range n.Edges {
			rows = append(rows, EdgeRow{
				Node:     n.ID,
				TypeID:   e.TypeID,
				Name:     e.Name,
				Kind:     e.Kind,
				Next:     nodeRef(e.Next),
				Upstream: nodeRef(e.Upstream),
			})
		}
	}
	return rows
}

func nodeRef(id *int) string {
	if id == nil {
		return "-"
	}
	return strconv.Itoa(*id)
}
