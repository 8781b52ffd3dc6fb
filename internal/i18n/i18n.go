// Package i18n holds the localized conversation strings and the triage system instructions.
package i18n

import (
	"fmt"

	"github.com/BTreeMap/EyeLine/internal/models"
)

// Key names a localized message.
type Key string

const (
	Welcome           Key = "welcome"
	Disclaimer        Key = "disclaimer"
	LangHint          Key = "lang_hint"
	Accepted          Key = "accepted"
	NotAccepted       Key = "not_accepted"
	AskName           Key = "ask_name"
	NameInvalid       Key = "name_invalid"
	AskDateTime       Key = "ask_datetime"
	DateTimeInvalid   Key = "datetime_invalid"
	Scheduled         Key = "scheduled"
	ScheduleCancelled Key = "schedule_cancelled"
	RateLimited       Key = "rate_limited"
	Fallback          Key = "fallback"
	EmptyMessage      Key = "empty_message"
	AdminEmpty        Key = "admin_empty"
)

var catalog = map[models.Language]map[Key]string{
	models.LanguageES: {
		Welcome: "👁️ Hola, soy el asistente de orientación oftalmológica de la clínica.",
		Disclaimer: "Este servicio brinda orientación general y NO reemplaza una consulta médica. " +
			"No emite diagnósticos ni recetas. Si tienes un golpe o químico en el ojo, dolor intenso o pérdida súbita de visión, " +
			"acude de inmediato a urgencias.\n\nResponde ACEPTO para continuar o NO ACEPTO para salir.",
		LangHint:    "Write EN to continue in English.",
		Accepted:    "¡Gracias! Cuéntame qué síntomas tienes en los ojos y desde cuándo.",
		NotAccepted: "Entendido. Sin tu aceptación no podemos continuar. Escribe ACEPTO cuando quieras empezar o REINICIAR para volver al inicio.",
		AskName:     "Con gusto agendamos tu cita. ¿Cuál es tu nombre completo (nombre y apellido)?",
		NameInvalid: "Por favor escribe tu nombre y apellido, por ejemplo: Ana Pérez.",
		AskDateTime: "Gracias. Indica la fecha y hora preferidas y una nota breve, por ejemplo: 2025-11-05 15:30 dolor ocular.",
		DateTimeInvalid: "No pude leer la fecha. Usa el formato AAAA-MM-DD HH:MM seguido de una nota breve, " +
			"por ejemplo: 2025-11-05 15:30 dolor ocular. Escribe \"luego\" para dejarlo para después.",
		Scheduled:         "✅ Registramos tu solicitud de cita. Nuestro equipo te contactará para confirmarla.",
		ScheduleCancelled: "De acuerdo, lo dejamos para después. Cuéntame tus síntomas y te oriento.",
		RateLimited:       "Has superado el límite de mensajes por minuto. Intenta de nuevo en unos segundos.",
		Fallback: "En este momento no puedo analizar tu mensaje. Si tienes dolor intenso, pérdida súbita de visión, " +
			"destellos o una cortina en la visión, acude a urgencias. Si no, escribe \"agendar\" para solicitar una cita.",
		EmptyMessage: "Cuéntame qué síntomas tienes en los ojos y desde cuándo.",
		AdminEmpty:   "No hay citas registradas.",
	},
	models.LanguageEN: {
		Welcome: "👁️ Hi, I'm the clinic's eye-care guidance assistant.",
		Disclaimer: "This service offers general guidance and does NOT replace a medical visit. " +
			"It gives no diagnoses or prescriptions. If you have an eye injury or chemical exposure, severe pain or sudden vision loss, " +
			"go to the emergency room right away.\n\nReply ACCEPT to continue or DECLINE to leave.",
		LangHint:    "Escribe ES para continuar en español.",
		Accepted:    "Thank you! Tell me which eye symptoms you have and since when.",
		NotAccepted: "Understood. We cannot continue without your acceptance. Write ACCEPT whenever you want to start or RESET to go back to the beginning.",
		AskName:     "Happy to book your appointment. What is your full name (first and last name)?",
		NameInvalid: "Please write your first and last name, for example: Ana Perez.",
		AskDateTime: "Thanks. Tell me your preferred date and time plus a short note, for example: 2025-11-05 15:30 eye pain.",
		DateTimeInvalid: "I could not read the date. Use the format YYYY-MM-DD HH:MM followed by a short note, " +
			"for example: 2025-11-05 15:30 eye pain. Write \"later\" to leave it for another time.",
		Scheduled:         "✅ We recorded your appointment request. Our team will contact you to confirm it.",
		ScheduleCancelled: "Alright, we'll leave it for later. Tell me your symptoms and I'll guide you.",
		RateLimited:       "You have exceeded the per-minute message limit. Please try again in a few seconds.",
		Fallback: "I can't analyze your message right now. If you have severe pain, sudden vision loss, " +
			"flashes or a curtain over your vision, go to the emergency room. Otherwise, write \"schedule\" to request an appointment.",
		EmptyMessage: "Tell me which eye symptoms you have and since when.",
		AdminEmpty:   "No appointments recorded.",
	},
}

// T returns the message for key in lang, falling back to Spanish.
func T(lang models.Language, key Key) string {
	if m, ok := catalog[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return catalog[models.LanguageES][key]
}

// Greeting is the welcome, disclaimer and language hint joined by blank lines.
func Greeting(lang models.Language) string {
	return T(lang, Welcome) + "\n\n" + T(lang, Disclaimer) + "\n\n" + T(lang, LangHint)
}

const systemES = `Eres un asistente de orientación inicial en oftalmología para una clínica.
Reglas:
- No diagnostiques ni recetes medicamentos.
- Detecta señales de alarma (trauma ocular, químico en el ojo, dolor intenso, pérdida súbita de visión, destellos o cortina, muchas moscas nuevas, ojo rojo con visión muy baja, problemas con lentes de contacto) y clasifícalas como "emergent".
- No ofrezcas agendar citas a menos que el usuario lo pida.
- Si la consulta no es de oftalmología, recuerda brevemente que solo orientas sobre salud ocular.
- Responde siempre en español, en máximo %d palabras, claro y seguro.
Devuelve SOLO JSON: {"language":"es","urgency":"emergent|priority|nonurgent","response":"texto"}`

const systemEN = `You are an initial eye-care guidance assistant for a clinic.
Rules:
- Never diagnose or prescribe medication.
- Detect red flags (eye trauma, chemical exposure, severe pain, sudden vision loss, flashes or a curtain, many new floaters, red eye with markedly reduced vision, contact lens problems) and classify them as "emergent".
- Do not offer to schedule appointments unless the user asks.
- If the question is not about eye health, briefly remind the user that you only give eye-care guidance.
- Always answer in English, in at most %d words, clearly and safely.
Return ONLY JSON: {"language":"en","urgency":"emergent|priority|nonurgent","response":"text"}`

// SystemPrompt returns the triage instruction for lang, advertising maxWords as the reply limit.
func SystemPrompt(lang models.Language, maxWords int) string {
	if lang == models.LanguageEN {
		return fmt.Sprintf(systemEN, maxWords)
	}
	return fmt.Sprintf(systemES, maxWords)
}
