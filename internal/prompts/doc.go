// Package prompts contains the prompt templates sent to the model during
// an evaluation cycle.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The rendered system prompt seeds the prompts table on first
// start; an operator may edit the stored copy afterwards without a
// redeploy.
//
// Convention: each prompt category gets its own file (system.go,
// task.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
