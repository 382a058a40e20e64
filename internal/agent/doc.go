// Package agent defines the capability the executor drives and ships two
// implementations of it.
//
// # Contract
//
// An Agent receives user turns and tool outcomes and reports progress through
// an Emit callback:
//
//	err := a.Prompt(ctx, agent.Turn{SessionID: "s1", EventID: "e1", Text: "hi"}, emit)
//
// Events arrive in order: any number of message_update events carrying the
// accumulated text blocks so far, one message_end with the final blocks,
// zero or more tool_call events, then turn_end once the agent has nothing
// left to do. A turn that emitted tool calls pauses until every call is
// answered through Continue.
//
// # Implementations
//
//   - Echo streams the prompt back word by word. "/tool <name> <json>" makes
//     it request a tool, which exercises the full round trip without a model.
//   - Anthropic streams replies from the Messages API and keeps a
//     conversation per session.
//
// New selects one from config.AgentConfig.
package agent
