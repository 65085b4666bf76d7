package generation

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/simchat/internal/domain/chat"
)

// Offline is a canned stand-in for the generation service, used when no
// service URL is configured.
type Offline struct {
	Opening string
	Reply   string
}

func NewOffline() *Offline {
	return &Offline{
		Opening: "This is the provider on call returning your page. What's going on with the patient?",
		Reply:   "Understood. Keep monitoring and call me back if anything changes.",
	}
}

func (o *Offline) GenerateOpening(context.Context, uuid.UUID) (string, error) {
	return o.Opening, nil
}

func (o *Offline) Respond(_ context.Context, assignmentID uuid.UUID, _ []chat.Message) (*chat.Message, error) {
	if o.Reply == "" {
		return nil, nil
	}
	return &chat.Message{AssignmentID: assignmentID, Role: chat.RoleAssistant, Content: o.Reply}, nil
}

func (o *Offline) Generate(context.Context, uuid.UUID) error {
	return nil
}
