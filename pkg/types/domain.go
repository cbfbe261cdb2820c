package types

// Model describes a registered model for GET /models.
type Model struct {
	// example: latentmix-small
	ID string `json:"id"`
	// example: latentmix
	Family  string `json:"family"`
	Variant string `json:"variant,omitempty"`
	// Submodule kinds in pipeline order.
	Submodules []string `json:"submodules"`
	// Adapter compatibility tags.
	Accepts []string `json:"accepts,omitempty"`
	// Accelerator footprint in MB at the active profile precision.
	FootprintMB map[string]int `json:"footprint_mb,omitempty"`
}

// Profile describes a residency profile for GET /profiles.
type Profile struct {
	Name          string   `json:"name"`
	BudgetMB      int      `json:"budget_mb"`
	MarginMB      int      `json:"margin_mb"`
	Precision     string   `json:"precision"`
	Pinned        []string `json:"pinned,omitempty"`
	Swappable     []string `json:"swappable,omitempty"`
	EvictionOrder []string `json:"eviction_order,omitempty"`
}
