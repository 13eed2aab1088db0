package task

// InitRequest asks a task initializer to materialize a new instance.
type InitRequest struct {
	// InstanceID is pre-assigned by the hub so the instance can be locked
	// before it exists.
	InstanceID string
	// Descriptor is either the full init task or {id, user:{id}}.
	Descriptor map[string]any
	UserID     string
	// Authenticate requires the user to be known and allowed to run the
	// task.
	Authenticate          bool
	InitiatingProcessorID string
	PrevInstanceID        string
	// FamilyID is inherited from the predecessor; empty starts a new family.
	FamilyID string
	// Input is the predecessor's output as recorded for its family.
	Input map[string]any
}

// DescriptorID returns the task definition id requested by the descriptor.
func (r InitRequest) DescriptorID() string {
	id, _ := r.Descriptor["id"].(string)
	return id
}

// DescriptorUserID returns user.id from the descriptor, falling back to
// UserID.
func (r InitRequest) DescriptorUserID() string {
	if u, ok := r.Descriptor["user"].(map[string]any); ok {
		if id, _ := u["id"].(string); id != "" {
			return id
		}
	}
	return r.UserID
}
