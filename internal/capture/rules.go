package capture

// DefaultRules are the tracked issue associations. Each produces
// "<entity>.<relation>.{added,removed,moved}" events. Adding an association
// here is all it takes for its mutations to flow through the pipeline; the
// consumer side needs only a registry binding.
func DefaultRules() []Rule {
	return []Rule{
		{
			Entity:          "issue",
			Relation:        "cycle",
			EntityIDField:   "issue_id",
			TrackedField:    "cycle_id",
			SoftDeleteField: "deleted_at",
			WorkspaceField:  "workspace_id",
			ProjectField:    "project_id",
			UpdatedByField:  "updated_by_id",
		},
		{
			Entity:          "issue",
			Relation:        "module",
			EntityIDField:   "issue_id",
			TrackedField:    "module_id",
			SoftDeleteField: "deleted_at",
			WorkspaceField:  "workspace_id",
			ProjectField:    "project_id",
			UpdatedByField:  "updated_by_id",
		},
		{
			Entity:          "issue",
			Relation:        "label",
			EntityIDField:   "issue_id",
			TrackedField:    "label_id",
			SoftDeleteField: "deleted_at",
			WorkspaceField:  "workspace_id",
			ProjectField:    "project_id",
			UpdatedByField:  "updated_by_id",
		},
	}
}
