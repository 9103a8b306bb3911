package gitops

// WorkBranchName derives the branch a plan executes on from its id.
func WorkBranchName(planID string) string {
	return "foreman/" + slugify(planID)
}
