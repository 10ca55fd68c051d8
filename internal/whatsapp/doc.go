// Package whatsapp talks to the WhatsApp Cloud API: sending messages on the
// bot and human lines, verifying webhook signatures, and parsing the
// provider's nested webhook notification format into flat events.
package whatsapp
