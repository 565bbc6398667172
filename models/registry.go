// Package models управляет файлами моделей распознавания (sherpa-onnx)
package models

import "strings"

// ModelInfo описывает streaming transducer модель sherpa-onnx
type ModelInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Repo      string   `json:"repo"` // репозиторий на HuggingFace
	Languages []string `json:"languages"`
	SizeBytes int64    `json:"sizeBytes"`

	Encoder string `json:"encoder"`
	Decoder string `json:"decoder"`
	Joiner  string `json:"joiner"`
	Tokens  string `json:"tokens"`
}

// Files возвращает все файлы модели
func (m ModelInfo) Files() []string {
	return []string{m.Encoder, m.Decoder, m.Joiner, m.Tokens}
}

// ModelStatus статус модели на устройстве
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusError         ModelStatus = "error"
)

// Registry реестр известных моделей
var Registry = []ModelInfo{
	{
		ID:        "zipformer-en-2023-06-26",
		Name:      "Zipformer English (streaming)",
		Repo:      "csukuangfj/sherpa-onnx-streaming-zipformer-en-2023-06-26",
		Languages: []string{"en"},
		SizeBytes: 310_000_000,
		Encoder:   "encoder-epoch-99-avg-1-chunk-16-left-128.onnx",
		Decoder:   "decoder-epoch-99-avg-1-chunk-16-left-128.onnx",
		Joiner:    "joiner-epoch-99-avg-1-chunk-16-left-128.onnx",
		Tokens:    "tokens.txt",
	},
	{
		ID:        "zipformer-bilingual-zh-en-2023-02-20",
		Name:      "Zipformer Chinese + English (streaming)",
		Repo:      "csukuangfj/sherpa-onnx-streaming-zipformer-bilingual-zh-en-2023-02-20",
		Languages: []string{"zh", "en"},
		SizeBytes: 330_000_000,
		Encoder:   "encoder-epoch-99-avg-1.onnx",
		Decoder:   "decoder-epoch-99-avg-1.onnx",
		Joiner:    "joiner-epoch-99-avg-1.onnx",
		Tokens:    "tokens.txt",
	},
}

// GetModelByID возвращает модель по ID или nil
func GetModelByID(id string) *ModelInfo {
	for i := range Registry {
		if Registry[i].ID == id {
			return &Registry[i]
		}
	}
	return nil
}

// Supports проверяет, распознаёт ли модель язык (сравнивается основной субтег: "en-US" -> "en")
func (m ModelInfo) Supports(language string) bool {
	return MatchLanguage(m.Languages, language)
}

// MatchLanguage сравнивает BCP-47 тег со списком языков; пустой список - любой язык
func MatchLanguage(supported []string, language string) bool {
	if len(supported) == 0 {
		return true
	}
	want := PrimaryLanguage(language)
	for _, l := range supported {
		if l == "multi" || PrimaryLanguage(l) == want {
			return true
		}
	}
	return false
}

// PrimaryLanguage возвращает основной субтег языка в нижнем регистре
func PrimaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
