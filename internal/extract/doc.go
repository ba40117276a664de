// Package extract is the default content extractor. It understands plain
// text, markdown and HTML; anything else fails permanently with
// extraction-unsupported-format so an operator can recover the job with a
// converted upload.
package extract
