package trust

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/services"
	"github.com/reglet-dev/reglet-trust/scanner"
	"github.com/reglet-dev/reglet-trust/validation"
)

// InstallRequest is a delivered plugin package. Package must be the content
// index of Manifest and Bundle (see dto.ContentIndex).
type InstallRequest struct {
	Package   []byte
	Signature entities.SignatureRecord
	Manifest  []byte
	Bundle    map[string][]byte
}

// InstallResult reports every stage of a successful install.
type InstallResult struct {
	Verification entities.VerificationResult
	Manifest     *entities.PluginManifest
	Report       scanner.Report
	Grants       []gatekeeper.GrantDecision
	Installed    entities.InstalledPlugin
}

// InstallPlugin authenticates, validates and scans a package, records the
// installation and requests the declared capabilities. Each stage must pass
// before the next runs; nothing is stored unless all of them pass.
func (k *Kernel) InstallPlugin(ctx context.Context, req InstallRequest) (res InstallResult, err error) {
	subject := k.subject(req.Manifest)
	ctx, span := k.tracer.Start(ctx, "trust.InstallPlugin", trace.WithAttributes(
		attribute.String("plugin.id", subject.PluginID),
		attribute.String("plugin.version", subject.Version),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	artifact := dto.NewPackageArtifact(req.Package, req.Signature, req.Manifest, req.Bundle)
	res.Verification, err = k.packages.Verify(ctx, subject, artifact)
	if err != nil {
		return InstallResult{}, err
	}

	vres := k.validator.ValidateBundle(req.Manifest, req.Bundle)
	k.recordValidation(ctx, subject, vres)
	if err := vres.Err(); err != nil {
		return InstallResult{}, err
	}
	manifest := vres.Manifest
	res.Manifest = manifest

	if pub := manifest.Identity().PublisherKeyID(); pub != res.Verification.SignerKeyID {
		return InstallResult{}, &PublisherMismatchError{Publisher: pub, SignerKeyID: res.Verification.SignerKeyID}
	}

	res.Report, err = k.scanner.Scan(ctx, req.Bundle, manifest)
	if err != nil {
		return InstallResult{}, fmt.Errorf("scan %s: %w", subject.PluginID, err)
	}
	k.recordScan(ctx, subject, res.Report)
	span.SetAttributes(attribute.Int("scan.findings", len(res.Report.Findings)))
	if k.blockOnCritical && res.Report.HasCritical() {
		return InstallResult{}, &ScanBlockedError{PluginID: subject.PluginID, Findings: res.Report.Findings}
	}

	res.Installed, err = k.packages.Store(ctx, manifest.Identity(), res.Verification, artifact)
	if err != nil {
		return InstallResult{}, err
	}
	k.manifests.Set(res.Installed.Digest.String(), manifest)

	res.Grants, err = k.gate.RequestGrants(ctx, manifest.PluginID(), manifest.Capabilities(), res.Report.CriticalCapabilities())
	if err != nil {
		return res, err
	}
	k.logger.InfoContext(ctx, "plugin install complete",
		"plugin", manifest.PluginID(),
		"version", res.Installed.Version,
		"findings", len(res.Report.Findings),
		"capabilities", len(res.Grants),
	)
	return res, nil
}

// InstallFromSource fetches ref from the configured package source and
// installs it.
func (k *Kernel) InstallFromSource(ctx context.Context, ref string) (InstallResult, error) {
	artifact, err := k.packages.Fetch(ctx, ref)
	if err != nil {
		return InstallResult{}, err
	}
	return k.InstallPlugin(ctx, InstallRequest{
		Package:   artifact.Package,
		Signature: artifact.Signature,
		Manifest:  artifact.Manifest,
		Bundle:    artifact.Bundle,
	})
}

// subject names the package for audit records before it is validated.
func (k *Kernel) subject(raw []byte) services.Subject {
	doc, err := k.parser.Parse(raw)
	if err != nil {
		return services.Subject{}
	}
	return services.Subject{PluginID: doc.ID, Version: doc.Version}
}

func (k *Kernel) recordValidation(ctx context.Context, subject services.Subject, vres validation.Result) {
	e := audit.Entry{
		Kind:     audit.KindValidation,
		PluginID: subject.PluginID,
		Version:  subject.Version,
		Outcome:  "pass",
	}
	if !vres.Valid() {
		e.Outcome = "fail"
		e.Detail = vres.Err().Error()
		e.Attributes = map[string]string{"violations": strconv.Itoa(len(vres.Violations))}
	}
	k.append(ctx, e)
}

func (k *Kernel) recordScan(ctx context.Context, subject services.Subject, r scanner.Report) {
	outcome := "pass"
	if r.HasCritical() {
		outcome = "critical"
	}
	k.append(ctx, audit.Entry{
		Kind:     audit.KindScan,
		PluginID: subject.PluginID,
		Version:  subject.Version,
		Outcome:  outcome,
		Attributes: map[string]string{
			"files":    strconv.Itoa(r.FilesScanned),
			"critical": strconv.Itoa(r.Count(scanner.SeverityCritical)),
			"warning":  strconv.Itoa(r.Count(scanner.SeverityWarning)),
			"info":     strconv.Itoa(r.Count(scanner.SeverityInfo)),
		},
	})
}

func (k *Kernel) append(ctx context.Context, e audit.Entry) {
	if e.Time.IsZero() {
		e.Time = k.now().UTC()
	}
	if err := k.audit.Append(ctx, e); err != nil {
		k.logger.ErrorContext(ctx, "audit append failed", "kind", e.Kind, "plugin", e.PluginID, "error", err)
	}
}
