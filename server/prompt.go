package server

import (
	"fmt"
	"strings"
)

// DefaultGenerationModel is used when a request names no model.
const DefaultGenerationModel = "phi3:mini"

// sectionSystem is the system prompt pinned onto section generation.
const sectionSystem = "You are a professional document writer who transforms rough notes, " +
	"handwritten content, and source materials into polished documentation. You ONLY use " +
	"information provided in the source material and never add external knowledge or assumptions."

const sectionPromptTemplate = `You are a professional document writer transforming rough notes and source material into the "%[1]s" section of a %[2]s titled "%[3]s".

REQUIREMENTS:
1. USE ONLY THE SOURCE MATERIAL PROVIDED BELOW - DO NOT ADD EXTERNAL KNOWLEDGE
2. Transform rough notes, handwritten text, and OCR content into professional language
3. Preserve ALL factual details, numbers, dates, names, and specific information exactly as provided
4. Do not invent, assume, or add any details not explicitly stated in the sources
5. Organize the content logically but stick strictly to what's provided

HANDLING LIMITED SOURCE MATERIAL:
- Look carefully for ANY content that could relate to "%[1]s" - even indirect mentions
- Consider tables, lists, diagrams, metadata, and brief notes as valuable content
- If you find partial information, present it clearly with context
- If you find related information that doesn't directly match the heading, explain the connection
- Only use "[Limited source material for this section]" if absolutely no relevant content exists
- When material is sparse, focus on what IS available rather than what's missing

SOURCE MATERIAL FROM UPLOADED FILES:
%[4]s

TASK: Extract and professionally rewrite ALL information from the source material above that could relate to "%[1]s". Look for direct matches, partial matches, and contextual connections. Present whatever relevant information exists in a clear, professional format.`

// sectionPrompt renders the generation prompt for one document section.
// mode describes the document kind ("technical document" by default);
// sourceExcerpt is the retrieval output, never empty (callers pass the
// no-material sentinel when retrieval found nothing).
func sectionPrompt(mode, title, heading, sourceExcerpt string) string {
	if strings.TrimSpace(mode) == "" {
		mode = "technical document"
	}
	return fmt.Sprintf(sectionPromptTemplate, heading, mode, title, sourceExcerpt)
}
