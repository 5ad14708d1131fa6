package model

// IVRNodeType enumerates the node kinds the IVR executor understands.
type IVRNodeType string

const (
	NodeStart           IVRNodeType = "start"
	NodePlayAudio       IVRNodeType = "play_audio"
	NodeMenu            IVRNodeType = "menu"
	NodeSurveyQuestion  IVRNodeType = "survey_question"
	NodeConditional     IVRNodeType = "conditional"
	NodeSetVariable     IVRNodeType = "set_variable"
	NodeHangup          IVRNodeType = "hangup"
	NodeTransfer        IVRNodeType = "transfer"
	NodeRecord          IVRNodeType = "record"
	NodeOptOut          IVRNodeType = "opt_out"
)

// IVRNode is one vertex in the flow graph; Data holds the node-type's
// required fields, looked up by key per the table in the executor.
type IVRNode struct {
	ID   string
	Type IVRNodeType
	Data map[string]any
}

// IVREdge is a default outgoing edge; explicit routing (options[d],
// true_node/false_node, etc.) lives in node Data instead.
type IVREdge struct {
	Source string
	Target string
}

// IVRFlow is the directed graph the executor walks. A validator runs
// at publish time; the executor treats any violation it finds anyway
// as fail-closed per node semantics.
type IVRFlow struct {
	ID        string
	Version   int
	StartNode string
	Nodes     map[string]*IVRNode
	Edges     map[string]string // source -> default target
}

// Validate checks the structural invariants: start_node present, every
// edge's source/target exists, and every node carries the data fields
// its type requires. It does not check that every node is reachable.
func (f *IVRFlow) Validate() []string {
	var problems []string

	if f.StartNode == "" {
		problems = append(problems, "start_node is empty")
	} else if _, ok := f.Nodes[f.StartNode]; !ok {
		problems = append(problems, "start_node does not reference a node")
	}

	for source, target := range f.Edges {
		if _, ok := f.Nodes[source]; !ok {
			problems = append(problems, "edge source "+source+" does not exist")
		}
		if _, ok := f.Nodes[target]; !ok {
			problems = append(problems, "edge target "+target+" does not exist")
		}
	}

	for id, node := range f.Nodes {
		if missing := requiredFieldsMissing(node); len(missing) > 0 {
			problems = append(problems, "node "+id+" missing required field(s): "+joinStrings(missing))
		}
	}

	return problems
}

func requiredFieldsMissing(node *IVRNode) []string {
	var missing []string
	need := func(keys ...string) {
		for _, k := range keys {
			if _, ok := node.Data[k]; !ok {
				missing = append(missing, k)
			}
		}
	}
	switch node.Type {
	case NodePlayAudio:
		need("audio_file_id")
	case NodeMenu:
		need("prompt_audio_id", "timeout", "max_retries", "options")
	case NodeSurveyQuestion:
		need("question_id", "prompt_audio_id", "valid_inputs", "timeout", "max_retries")
	case NodeConditional:
		need("variable", "operator", "value", "true_node", "false_node")
	case NodeSetVariable:
		need("variable", "value")
	case NodeTransfer:
		need("transfer_to")
	}
	return missing
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// SurveyResponse is the durable record of answers collected during one
// IVR execution.
type SurveyResponse struct {
	CallLogID      string
	CampaignID     string
	ContactID      string
	FlowID         string
	FlowVersion    int
	Responses      map[string]string
	CompletionRate float64 // non-empty answers / survey-question nodes in the flow
	StartedAt      int64   // unix seconds
	EndedAt        int64
}
