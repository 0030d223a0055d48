package driver

const (
	SaveCardQuery = `
		MERGE (c:Card {id: $id})
		SET c.topic = $topic,
			c.category = $category,
			c.tags = $tags,
			c.overall_confidence = $overall_confidence,
			c.superseded_by = $superseded_by,
			c.updated_at = $updated_at
		RETURN c.id AS id
	`

	SaveDocumentQuery = `
		MERGE (d:Document {id: $id})
		SET d.title = $title,
			d.revision = $revision,
			d.date = $date,
			d.superseded_by = $superseded_by,
			d.removed = $removed
		RETURN d.id AS id
	`

	// SaveAnchoredInQuery creates the document node when the card cites a
	// document that was never ingested.
	SaveAnchoredInQuery = `
		MATCH (c:Card {id: $card_id})
		MERGE (d:Document {id: $doc_id})
		MERGE (c)-[r:ANCHORED_IN]->(d)
		SET r.anchors = $anchors,
			r.confidence = $confidence
		RETURN c.id AS id
	`

	SaveVariantQuery = `
		MATCH (c:Card {id: $card_id})
		MERGE (v:Variant {id: $id})
		SET v.context = $context,
			v.status = $status,
			v.risk_level = $risk_level,
			v.usage_count = $usage_count
		MERGE (c)-[:HAS_VARIANT]->(v)
		RETURN v.id AS id
	`

	// SaveConflictEdgeQuery links two projected entities of any label.
	SaveConflictEdgeQuery = `
		MATCH (a {id: $source_id})
		MATCH (b {id: $target_id})
		MERGE (a)-[e:CONFLICTS_WITH {conflict_id: $conflict_id}]->(b)
		SET e.type = $type,
			e.severity = $severity,
			e.status = $status
		RETURN e.conflict_id AS conflict_id
	`

	DeleteConflictEdgeQuery = `
		MATCH ()-[e:CONFLICTS_WITH {conflict_id: $conflict_id}]->()
		DELETE e
	`
)
