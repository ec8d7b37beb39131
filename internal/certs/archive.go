package certs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

// archiveFiles copies every existing path of the certificate to
// archive/<name>/<basename>.<YYYY-MM-DD>.<ext>, dated with the superseded
// validFrom.
func (s *Store) archiveFiles(cert *Certificate) ([]ArchivedFile, error) {
	archiveDir := filepath.Join(s.config.CertsDir, "archive", utils.SanitizeFilename(cert.Name))
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, utils.IOError(fmt.Sprintf("failed to create archive directory %s", archiveDir), err)
	}

	date := cert.ValidFrom.UTC().Format("2006-01-02")

	archived := make([]ArchivedFile, 0, len(cert.Paths))
	for kind, path := range cert.Paths {
		if !utils.FileExists(path) {
			continue
		}

		base := filepath.Base(path)
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		archiveName := fmt.Sprintf("%s.%s%s", stem, date, ext)
		archivePath := filepath.Join(archiveDir, archiveName)

		if err := utils.CopyFile(path, archivePath, 0644); err != nil {
			return archived, utils.IOError(fmt.Sprintf("failed to archive %s", path), err)
		}

		archived = append(archived, ArchivedFile{
			Type:         kind,
			Path:         archivePath,
			RelativePath: filepath.Join("archive", utils.SanitizeFilename(cert.Name), archiveName),
		})
	}

	return archived, nil
}

// RestorePrimary repairs a corrupted primary file from the .bak backup if it
// parses, otherwise from the newest parseable archive copy whose base
// matches.
func (s *Store) RestorePrimary(cert *Certificate) error {
	primary := cert.PrimaryPath()
	if primary == "" {
		return utils.NotFoundError(fmt.Sprintf("certificate %s has no primary file", cert.Fingerprint))
	}

	backup := primary + ".bak"
	if utils.FileExists(backup) && s.provider.ValidateCertificateFile(backup) {
		if err := utils.CopyFile(backup, primary, 0644); err != nil {
			return utils.IOError(fmt.Sprintf("failed to restore %s from backup", primary), err)
		}
		s.logger.LogCertificateEvent("restored_from_backup", cert.Fingerprint, map[string]interface{}{"path": primary})
		return nil
	}

	archiveDir := filepath.Join(s.config.CertsDir, "archive", utils.SanitizeFilename(cert.Name))
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return utils.NotFoundError(fmt.Sprintf("no backup or archive available for %s", primary))
	}

	base := filepath.Base(primary)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	var candidates []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, stem+".") || !strings.HasSuffix(name, ext) {
			continue
		}
		candidates = append(candidates, filepath.Join(archiveDir, name))
	}
	// Names embed YYYY-MM-DD so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	for _, candidate := range candidates {
		if !s.provider.ValidateCertificateFile(candidate) {
			continue
		}
		if err := utils.CopyFile(candidate, primary, 0644); err != nil {
			return utils.IOError(fmt.Sprintf("failed to restore %s from archive", primary), err)
		}
		s.logger.LogCertificateEvent("restored_from_archive", cert.Fingerprint, map[string]interface{}{"path": primary, "source": candidate})
		return nil
	}

	return utils.NotFoundError(fmt.Sprintf("no parseable backup or archive copy for %s", primary))
}
