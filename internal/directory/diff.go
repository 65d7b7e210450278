package directory

import "reflect"

// Changed lists the fields that differ between two versions of an agent
// config. Used to log what an update actually touched.
func Changed(old, new *AgentConfig) []string {
	if old == nil || new == nil {
		return nil
	}

	var fields []string
	if old.Name != new.Name {
		fields = append(fields, "name")
	}
	if old.Status != new.Status {
		fields = append(fields, "status")
	}
	if !reflect.DeepEqual(old.LLMConfig, new.LLMConfig) {
		fields = append(fields, "llm_config")
	}
	if !reflect.DeepEqual(old.Prompts, new.Prompts) {
		fields = append(fields, "prompts")
	}
	if !reflect.DeepEqual(old.Abilities, new.Abilities) {
		fields = append(fields, "abilities")
	}
	if !reflect.DeepEqual(old.Responsibilities, new.Responsibilities) {
		fields = append(fields, "responsibilities")
	}
	if old.RetryPolicy != new.RetryPolicy {
		fields = append(fields, "retry_policy")
	}
	return fields
}
