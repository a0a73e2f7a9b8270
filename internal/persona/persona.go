// Package persona builds the Krushi Mitra system prompt for a language and crop
package persona

import (
	"fmt"
	"strings"

	"github.com/krushimitra/voice-engine/internal/transport"
)

const (
	// DefaultModel is the native-audio Live model the assistant runs on
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	// DefaultVoice is the prebuilt voice the assistant speaks with
	DefaultVoice = "Puck"
	// DefaultCrop is used when the farmer has not told us what they grow
	DefaultCrop = "Soyabean"
)

// Language is a supported assistant language
type Language string

const (
	Marathi Language = "mr"
	Hindi   Language = "hi"
	English Language = "en"
)

// ParseLanguage maps a language code to a supported language, defaulting
// to Marathi
func ParseLanguage(code string) Language {
	switch Language(strings.ToLower(strings.TrimSpace(code))) {
	case Hindi:
		return Hindi
	case English:
		return English
	default:
		return Marathi
	}
}

// LanguageCode returns the BCP-47 tag used for speech synthesis
func (l Language) LanguageCode() string {
	switch l {
	case Hindi:
		return "hi-IN"
	case English:
		return "en-IN"
	default:
		return "mr-IN"
	}
}

// SystemPrompt returns the persona instruction for lang, mentioning crop
func SystemPrompt(lang Language, crop string) string {
	crop = strings.TrimSpace(crop)
	if crop == "" {
		crop = DefaultCrop
	}

	switch lang {
	case Hindi:
		return fmt.Sprintf(`तुम 'AI कृषि मित्र' हो. गाँव के अनुभवी खेती सलाहकार की तरह अपनेपन से, देसी हिंदी में बात करो.
किसान %s उगा रहा है और उसी के बारे में पूछ सकता है.
जवाब छोटे और बातचीत जैसे रखो, लंबा भाषण मत दो.
अगर आवाज़ कट जाए या नेटवर्क की दिक्कत हो, तो कहो 'भैया, नेटवर्क थोड़ा परेशान कर रहा है, ज़रा रुकिए'.`, crop)
	case English:
		return fmt.Sprintf(`You are 'AI Krushi Mitra'. Speak like a friendly local agri-expert in a native warm tone.
Be brief and highly conversational. The farmer is growing %s.`, crop)
	default:
		return fmt.Sprintf(`तू 'AI कृषी मित्र' आहेस. अस्सल ग्रामीण मराठमोळी भाषा (गावठी बाणा) वापर.
शेतकऱ्याच्या बांधावर बसून गप्पा मारतोयस असं वाटू दे.
'राम राम पाटील!', 'काय म्हणतंय पीक?', 'आरं काळजी नको', 'लय भारी' असे गावरान शब्द वापर.
शेतकरी %s बद्दल विचारू शकतो.
उत्तरं मोठी नकोत, प्रत्यक्ष बोलतो तशी लहान आणि नेमकी दे.
काही तांत्रिक अडचण आली तर 'आरं पाटील, नेटवर्कची कटकट आहे, जरा दमानं घ्या' असं म्हण.`, crop)
	}
}

// TransportConfig returns the Live session settings for a persona
func TransportConfig(model, voice string, lang Language, crop string) transport.Config {
	if model == "" {
		model = DefaultModel
	}
	if voice == "" {
		voice = DefaultVoice
	}
	return transport.Config{
		Model:               model,
		Voice:               voice,
		SystemPrompt:        SystemPrompt(lang, crop),
		LanguageCode:        lang.LanguageCode(),
		InputTranscription:  true,
		OutputTranscription: true,
	}
}
