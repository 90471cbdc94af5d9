package planner

// messageTemplates is the fixed set of localized auto-message templates.
// Content is chosen uniformly at random from this set for every planned pair.
var messageTemplates = []string{
	"Merhaba! Uzun zamandır konuşmadık, nasılsın?",
	"Selam, bugün aklıma geldin, bir mesaj atayım dedim.",
	"Hey! Ne yapıyorsun, bir sohbet etsek mi?",
	"Hello! It's been a while — how have you been?",
	"Hi there, just thought I'd say hello.",
	"Hey, hope you're having a great day!",
	"Merhaba, seninle konuşmak güzel olurdu.",
	"Hi! Let's catch up sometime soon.",
}
