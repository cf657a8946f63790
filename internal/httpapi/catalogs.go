package httpapi

// AvatarOption is one selectable public avatar.
type AvatarOption struct {
	AvatarID string `json:"avatar_id"`
	Name     string `json:"name"`
}

// LanguageOption is one selectable speech-to-text language.
type LanguageOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Key   string `json:"key"`
}

var Avatars = []AvatarOption{
	{AvatarID: "Ann_Therapist_public", Name: "Ann Therapist"},
	{AvatarID: "Shawn_Therapist_public", Name: "Shawn Therapist"},
	{AvatarID: "Bryan_FitnessCoach_public", Name: "Bryan Fitness Coach"},
	{AvatarID: "Dexter_Doctor_Standing2_public", Name: "Dexter Doctor Standing"},
	{AvatarID: "Elenora_IT_Sitting_public", Name: "Elenora Tech Expert"},
}

var STTLanguages = []LanguageOption{
	lang("Bulgarian", "bg"),
	lang("Chinese", "zh"),
	lang("Czech", "cs"),
	lang("Danish", "da"),
	lang("Dutch", "nl"),
	lang("English", "en"),
	lang("Finnish", "fi"),
	lang("French", "fr"),
	lang("German", "de"),
	lang("Greek", "el"),
	lang("Hindi", "hi"),
	lang("Hungarian", "hu"),
	lang("Indonesian", "id"),
	lang("Italian", "it"),
	lang("Japanese", "ja"),
	lang("Korean", "ko"),
	lang("Malay", "ms"),
	lang("Norwegian", "no"),
	lang("Polish", "pl"),
	lang("Portuguese", "pt"),
	lang("Romanian", "ro"),
	lang("Russian", "ru"),
	lang("Slovak", "sk"),
	lang("Spanish", "es"),
	lang("Swedish", "sv"),
	lang("Turkish", "tr"),
	lang("Ukrainian", "uk"),
	lang("Vietnamese", "vi"),
}

func lang(label, code string) LanguageOption {
	return LanguageOption{Label: label, Value: code, Key: code}
}
