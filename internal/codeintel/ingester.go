package codeintel

import (
	"database/sql"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/models"
	"reposcope/internal/storage"
)

// Field numbers from the wire format's schema (§4.6/§6 of the format
// tables): top-level Index fields, then Document, Occurrence, SymbolInfo.
const (
	fieldIndexDocument       = 3
	fieldIndexExternalSymbol = 4

	fieldDocumentRelativePath = 1
	fieldDocumentLanguage     = 4
	fieldDocumentOccurrence   = 5
	fieldDocumentSymbolInfo   = 6

	fieldOccurrenceSymbol    = 1
	fieldOccurrenceRange     = 3
	fieldOccurrenceRoleFlags = 4

	fieldSymbolInfoSymbol        = 1
	fieldSymbolInfoDocumentation = 3
	fieldSymbolInfoDisplayName   = 7
)

// parsedDocument is one Document message fully decoded from the stream.
type parsedDocument struct {
	relativePath string
	language     string
	occurrences  []parsedOccurrence
	symbolInfos  []parsedSymbolInfo
}

type parsedOccurrence struct {
	symbol    string
	startLine int
	startChar int
	endLine   int
	endChar   int
	roleFlags int
}

type parsedSymbolInfo struct {
	symbol        string
	displayName   string
	documentation []string // joined with "\n\n" across repetitions
}

// Ingester consumes an uploaded binary index and projects it into the
// index document, occurrence, and symbol tables.
type Ingester struct {
	docRepo    *storage.IndexDocumentRepository
	symbolRepo *storage.SymbolInfoRepository
	logger     *logging.Logger
}

// NewIngester wires the ingester to its persistence layer.
func NewIngester(docRepo *storage.IndexDocumentRepository, symbolRepo *storage.SymbolInfoRepository, logger *logging.Logger) *Ingester {
	return &Ingester{docRepo: docRepo, symbolRepo: symbolRepo, logger: logger}
}

// Ingest parses raw as a stream of top-level Index fields (Document and
// ExternalSymbol messages) and writes each into storage. A malformed
// document aborts only that document; the run continues and reports the
// count of documents it could not project.
func (ing *Ingester) Ingest(userID int64, repoURL string, raw []byte) (documentsIngested, documentsFailed int, err error) {
	r := newReader(raw)

	for !r.done() {
		f, ferr := r.readField()
		if ferr != nil {
			return documentsIngested, documentsFailed, ferr
		}

		switch f.number {
		case fieldIndexDocument:
			doc, perr := parseDocument(f.raw)
			if perr != nil {
				ing.logger.Warn("Skipping malformed document", map[string]interface{}{"error": perr.Error()})
				documentsFailed++
				continue
			}
			if err := ing.projectDocument(userID, repoURL, doc); err != nil {
				ing.logger.Warn("Skipping document: failed to persist", map[string]interface{}{
					"relativePath": doc.relativePath,
					"error":        err.Error(),
				})
				documentsFailed++
				continue
			}
			documentsIngested++

		case fieldIndexExternalSymbol:
			sym, perr := parseSymbolInfo(f.raw)
			if perr != nil {
				ing.logger.Warn("Skipping malformed external symbol", map[string]interface{}{"error": perr.Error()})
				continue
			}
			if err := ing.upsertSymbol(userID, repoURL, sym); err != nil {
				ing.logger.Warn("Failed to persist external symbol", map[string]interface{}{
					"symbol": sym.symbol,
					"error":  err.Error(),
				})
			}

		default:
			// Unknown top-level field number; already consumed by readField.
		}
	}

	return documentsIngested, documentsFailed, nil
}

// projectDocument persists a document and its occurrences and symbols in a
// single transaction, so a crash mid-document can never leave a persisted
// IndexDocument with partial or missing occurrences.
func (ing *Ingester) projectDocument(userID int64, repoURL string, doc parsedDocument) error {
	return ing.docRepo.WithTx(func(tx *sql.Tx) error {
		docID, err := ing.docRepo.UpsertDocumentTx(tx, userID, repoURL, doc.relativePath, doc.language, time.Now().UTC())
		if err != nil {
			return err
		}

		occs := make([]models.Occurrence, 0, len(doc.occurrences))
		for _, o := range doc.occurrences {
			occs = append(occs, models.Occurrence{
				Symbol:    o.symbol,
				StartLine: o.startLine,
				StartChar: o.startChar,
				EndLine:   o.endLine,
				EndChar:   o.endChar,
				RoleFlags: o.roleFlags,
			})
		}
		if err := ing.docRepo.ReplaceOccurrencesTx(tx, docID, occs); err != nil {
			return err
		}

		for _, s := range doc.symbolInfos {
			if err := ing.upsertSymbolTx(tx, userID, repoURL, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ing *Ingester) upsertSymbol(userID int64, repoURL string, sym parsedSymbolInfo) error {
	return ing.symbolRepo.Upsert(symbolInfoFrom(userID, repoURL, sym))
}

func (ing *Ingester) upsertSymbolTx(tx *sql.Tx, userID int64, repoURL string, sym parsedSymbolInfo) error {
	return ing.symbolRepo.UpsertTx(tx, symbolInfoFrom(userID, repoURL, sym))
}

func symbolInfoFrom(userID int64, repoURL string, sym parsedSymbolInfo) *models.SymbolInfo {
	doc := ""
	if len(sym.documentation) > 0 {
		doc = joinDocumentation(sym.documentation)
	}
	return &models.SymbolInfo{
		UserID:        userID,
		RepoURL:       repoURL,
		Symbol:        sym.symbol,
		DisplayName:   sym.displayName,
		Documentation: doc,
	}
}

func joinDocumentation(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n\n" + p
	}
	return out
}

// parseDocument decodes a Document message's nested field stream.
func parseDocument(raw []byte) (parsedDocument, error) {
	var doc parsedDocument
	r := newReader(raw)

	for !r.done() {
		f, err := r.readField()
		if err != nil {
			return doc, err
		}
		switch f.number {
		case fieldDocumentRelativePath:
			doc.relativePath = string(f.raw)
		case fieldDocumentLanguage:
			doc.language = string(f.raw)
		case fieldDocumentOccurrence:
			occ, err := parseOccurrence(f.raw)
			if err != nil {
				continue // malformed occurrence: drop, keep parsing the document
			}
			doc.occurrences = append(doc.occurrences, occ)
		case fieldDocumentSymbolInfo:
			sym, err := parseSymbolInfo(f.raw)
			if err != nil {
				continue
			}
			doc.symbolInfos = append(doc.symbolInfos, sym)
		}
	}
	return doc, nil
}

// parseOccurrence decodes an Occurrence message. Ranges with fewer than 4
// integers are dropped.
func parseOccurrence(raw []byte) (parsedOccurrence, error) {
	var occ parsedOccurrence
	r := newReader(raw)

	for !r.done() {
		f, err := r.readField()
		if err != nil {
			return occ, err
		}
		switch f.number {
		case fieldOccurrenceSymbol:
			occ.symbol = string(f.raw)
		case fieldOccurrenceRange:
			vals, err := decodePackedVarints(f.raw)
			if err != nil || len(vals) < 4 {
				continue
			}
			occ.startLine = int(vals[0])
			occ.startChar = int(vals[1])
			occ.endLine = int(vals[2])
			occ.endChar = int(vals[3])
		case fieldOccurrenceRoleFlags:
			occ.roleFlags = int(f.value)
		}
	}
	return occ, nil
}

// parseSymbolInfo decodes a SymbolInfo message. Documentation repetitions
// accumulate; the caller joins them with "\n\n".
func parseSymbolInfo(raw []byte) (parsedSymbolInfo, error) {
	var sym parsedSymbolInfo
	r := newReader(raw)

	for !r.done() {
		f, err := r.readField()
		if err != nil {
			return sym, err
		}
		switch f.number {
		case fieldSymbolInfoSymbol:
			sym.symbol = string(f.raw)
		case fieldSymbolInfoDocumentation:
			sym.documentation = append(sym.documentation, string(f.raw))
		case fieldSymbolInfoDisplayName:
			sym.displayName = string(f.raw)
		}
	}
	return sym, nil
}
