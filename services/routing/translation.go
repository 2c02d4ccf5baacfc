package routing

import "github.com/upb/llm-router/services/providers"

// translateModel returns the model to send to a backend. from is the
// backend the request was first aimed at.
func (r *Router) translateModel(model, from string, meta providers.BackendMetadata) string {
	if model == "" {
		return meta.DefaultModel
	}
	if meta.SupportsModel(model) {
		return model
	}

	for _, t := range r.cfg.ModelTranslations {
		if t.To != meta.Name {
			continue
		}
		if t.From != "" && t.From != from {
			continue
		}
		if target, ok := t.Models[model]; ok {
			return target
		}
		if target, ok := t.Models["*"]; ok {
			return target
		}
	}

	if meta.DefaultModel != "" {
		return meta.DefaultModel
	}
	return model
}
