package assistant

import (
	"fmt"
	"strings"

	"github.com/bellujrb/hackathon-onco/internal/models"
)

// Disclaimer closes every result explanation.
const Disclaimer = "_Lembre-se: este é apenas um rastreamento inicial._"

// Fixed texts used when generation is unavailable or unusable.
const (
	ApologyText        = "Desculpe, tive um problema técnico. Pode tentar novamente?"
	LinkErrorText      = "Ops, tive um problema ao gerar o link. Pode tentar de novo?"
	AudioFailureText   = "Não consegui entender o áudio. Pode enviar por texto?"
	ProcessingText     = "Recebi seu teste! Só um momento enquanto analiso... 🔍"
	AnalysisFailedText = "Não consegui analisar sua gravação. 😕\n\nTente gravar novamente em um lugar silencioso, falando as frases com calma. Se quiser um novo link, é só pedir!"
)

const linkTemplate = "Pronto! 😊\n\n*Link do teste:* %s\n\nÉ bem rápido: você vai gravar algumas frases faladas. Assim que terminar, o resultado chega aqui no WhatsApp!\n\nQualquer dúvida, é só chamar. 🎤"

var tierAdvice = map[models.RiskTier]string{
	models.TierHigh:     "Sua análise identificou sinais que precisam de atenção. Procure um otorrinolaringologista o quanto antes para avaliação.",
	models.TierModerate: "Sua análise mostrou alguns aspectos que precisam de avaliação médica. Agende uma consulta com um otorrinolaringologista.",
	models.TierLow:      "Sua análise não identificou sinais de preocupação. Continue cuidando da sua saúde vocal com hidratação e repouso quando necessário.",
}

var tierLabel = map[models.RiskTier]string{
	models.TierHigh:     "RISCO ALTO",
	models.TierModerate: "RISCO MODERADO",
	models.TierLow:      "RISCO BAIXO",
}

// FallbackLink is the pre-written link message.
func FallbackLink(url string) string {
	return fmt.Sprintf(linkTemplate, url)
}

// FallbackExplain builds the three-tier explanation without the model.
func FallbackExplain(r models.RiskAssessment) string {
	tier := r.Tier()
	label := strings.ToUpper(strings.TrimSpace(r.RiskLevel))
	if label == "" {
		label = tierLabel[tier]
	}
	return fmt.Sprintf("%s *%s*\n\n%s\n\n%s", tierEmoji(r.Color, tier), label, tierAdvice[tier], Disclaimer)
}

func tierEmoji(color string, tier models.RiskTier) string {
	switch strings.ToLower(strings.TrimSpace(color)) {
	case "red":
		return "🔴"
	case "orange", "yellow":
		return "🟡"
	case "green":
		return "🟢"
	}
	switch tier {
	case models.TierHigh:
		return "🔴"
	case models.TierModerate:
		return "🟡"
	}
	return "🟢"
}
