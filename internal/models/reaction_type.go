package models

type ReactionType string

const (
	ReactionHeart         ReactionType = "❤️"
	ReactionThumbsUp      ReactionType = "👍"
	ReactionThumbsDown    ReactionType = "👎"
	ReactionGrin          ReactionType = "😁"
	ReactionJoy           ReactionType = "😂"
	ReactionHoldingTears  ReactionType = "🥹"
	ReactionWink          ReactionType = "😉"
	ReactionBlowKiss      ReactionType = "😘"
	ReactionSmilingHearts ReactionType = "🥰"
	ReactionHeartEyes     ReactionType = "😍"
	ReactionAngry         ReactionType = "😠"
	ReactionTongueWink    ReactionType = "😜"
	ReactionNerd          ReactionType = "🤓"
)

var reactionTypes = []ReactionType{
	ReactionHeart,
	ReactionThumbsUp,
	ReactionThumbsDown,
	ReactionGrin,
	ReactionJoy,
	ReactionHoldingTears,
	ReactionWink,
	ReactionBlowKiss,
	ReactionSmilingHearts,
	ReactionHeartEyes,
	ReactionAngry,
	ReactionTongueWink,
	ReactionNerd,
}

func ReactionTypes() []ReactionType {
	out := make([]ReactionType, len(reactionTypes))
	copy(out, reactionTypes)
	return out
}

func (r ReactionType) Valid() bool {
	for _, t := range reactionTypes {
		if t == r {
			return true
		}
	}
	return false
}
