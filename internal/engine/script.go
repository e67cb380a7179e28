package engine

// Fixed replies for turns that never reach a generator, plus the recovery
// packet substituted when the deep reasoner fails or times out. Wording is
// deliberately plain; these lines must work in any conversational context.

const (
	// ellipsisReply answers input that is only dots and silence.
	ellipsisReply = "I'm here. Take whatever time you need."

	// greetingReply answers greeting-only input.
	greetingReply = "Hey, good to have you here. What's on your mind?"

	// recoveryReply replaces a failed or timed-out deep reasoner response.
	recoveryReply = "Sorry, I lost my train of thought for a moment. Could you say that again?"

	// crisisReplyBase grounds the user in present safety and asks about body
	// sensation. Used whenever triage reports imminent danger.
	crisisReplyBase = "I hear how much pain is in what you just said, and I'm glad you told me. " +
		"Right now, let's stay with this moment together. You are here, and in this moment you are safe. " +
		"Can you notice what your body is touching right now, the chair, the floor, your own breath?"

	// crisisGroundingSuffix is appended when the intervention arbitration
	// marks the turn grounding eligible.
	crisisGroundingSuffix = " If it helps, we can do a short grounding exercise together, one slow breath at a time."
)

// crisisReply builds the fixed safety script.
func crisisReply(groundingEligible bool) string {
	if groundingEligible {
		return crisisReplyBase + crisisGroundingSuffix
	}
	return crisisReplyBase
}
